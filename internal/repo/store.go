package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/addon"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/coupon"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/events"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/purchase"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/reconcile"
)

// Store is the single pgx-backed persistence implementation behind every
// domain boundary interface: coupon validation, purchase lifecycle, program
// and mapping lookups, reconciliation transitions and domain events.
type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store { return &Store{Pool: pool} }

// Interface conformance is part of the contract; a drifted method signature
// should fail right here.
var (
	_ coupon.Store           = (*Store)(nil)
	_ purchase.Store         = (*Store)(nil)
	_ purchase.ProgramSource = (*Store)(nil)
	_ purchase.AddOnSource   = (*Store)(nil)
	_ purchase.MappingSource = (*Store)(nil)
	_ reconcile.Store        = (*Store)(nil)
	_ events.EventStore      = (*Store)(nil)
)

// --- coupons ---

const couponColumns = `id, code, type, value::text, max_discount, status, valid_from, valid_to, allowed_users, usage_limit, per_user_limit`

func (s *Store) GetCouponByCode(ctx context.Context, code string) (coupon.Coupon, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE code = $1`,
		strings.ToUpper(strings.TrimSpace(code)))
	return scanCoupon(row)
}

func scanCoupon(row pgx.Row) (coupon.Coupon, error) {
	var (
		c     coupon.Coupon
		value string
	)
	if err := row.Scan(&c.ID, &c.Code, &c.Type, &value, &c.MaxDiscount, &c.Status,
		&c.ValidFrom, &c.ValidTo, &c.AllowedUsers, &c.UsageLimit, &c.PerUserLimit); err != nil {
		return coupon.Coupon{}, err
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return coupon.Coupon{}, fmt.Errorf("repo: coupon %s has invalid value %q: %w", c.Code, value, err)
	}
	c.Value = parsed
	return c, nil
}

func (s *Store) CountUsage(ctx context.Context, couponID uuid.UUID) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1`, couponID).Scan(&n)
	return n, err
}

func (s *Store) CountUsageByUser(ctx context.Context, couponID uuid.UUID, userRef, email string) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM coupon_usages
		  WHERE coupon_id = $1
		    AND (($2 <> '' AND user_ref = $2) OR ($3 <> '' AND lower(email) = lower($3)))`,
		couponID, userRef, email).Scan(&n)
	return n, err
}

func (s *Store) GetUsageByOrder(ctx context.Context, couponID uuid.UUID, orderNumber string) (coupon.Usage, error) {
	var u coupon.Usage
	err := s.Pool.QueryRow(ctx,
		`SELECT id, coupon_id, user_ref, email, program_id, account_size,
		        original_price, discount_amount, final_price, order_number, created_at
		   FROM coupon_usages WHERE coupon_id = $1 AND order_number = $2`,
		couponID, orderNumber).
		Scan(&u.ID, &u.CouponID, &u.UserRef, &u.Email, &u.ProgramID, &u.AccountSize,
			&u.OriginalPrice, &u.DiscountAmount, &u.FinalPrice, &u.OrderNumber, &u.CreatedAt)
	return u, err
}

func (s *Store) InsertUsage(ctx context.Context, u coupon.Usage) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO coupon_usages
		   (id, coupon_id, user_ref, email, program_id, account_size,
		    original_price, discount_amount, final_price, order_number, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (coupon_id, order_number) DO NOTHING`,
		u.ID, u.CouponID, u.UserRef, u.Email, u.ProgramID, u.AccountSize,
		u.OriginalPrice, u.DiscountAmount, u.FinalPrice, u.OrderNumber, u.CreatedAt)
	return err
}

// --- programs ---

const programColumns = `id, name, category, account_size, platform, price, currency, active`

func (s *Store) GetProgramByProduct(ctx context.Context, productCode, accountSize string) (purchase.Program, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT p.id, p.name, p.category, p.account_size, p.platform, p.price, p.currency, p.active
		   FROM programs p
		   JOIN product_mappings m ON m.program_id = p.id
		  WHERE m.product_id = $1 AND ($2 = '' OR m.account_size = $2) AND p.active
		  LIMIT 1`,
		productCode, accountSize)
	return scanProgram(row)
}

func (s *Store) GetProgramByName(ctx context.Context, name string) (purchase.Program, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+programColumns+` FROM programs WHERE lower(name) = lower($1) AND active LIMIT 1`,
		name)
	return scanProgram(row)
}

func (s *Store) ListActivePrograms(ctx context.Context, category, accountSize string) ([]purchase.Program, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+programColumns+` FROM programs
		  WHERE active
		    AND ($1 = '' OR category = $1)
		    AND ($2 = '' OR account_size = $2)
		  ORDER BY created_at ASC`,
		category, accountSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []purchase.Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProgram(row pgx.Row) (purchase.Program, error) {
	var p purchase.Program
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.AccountSize, &p.Platform, &p.Price, &p.Currency, &p.Active)
	return p, err
}

// --- add-ons ---

func (s *Store) GetAddOnsByIDs(ctx context.Context, ids []uuid.UUID) ([]addon.AddOn, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id, name, percent::text, program_ids, meta
		   FROM addons WHERE id = ANY($1) AND active`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []addon.AddOn
	for rows.Next() {
		var (
			a   addon.AddOn
			pct string
		)
		if err := rows.Scan(&a.ID, &a.Name, &pct, &a.ProgramIDs, &a.Meta); err != nil {
			return nil, err
		}
		parsed, err := decimal.NewFromString(pct)
		if err != nil {
			return nil, fmt.Errorf("repo: add-on %s has invalid percent %q: %w", a.Name, pct, err)
		}
		a.Percent = parsed
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- product mappings ---

func (s *Store) GetProductMapping(ctx context.Context, programID uuid.UUID, accountSize, platform string, purchaseType purchase.Type) (purchase.ProductMapping, error) {
	var m purchase.ProductMapping
	err := s.Pool.QueryRow(ctx,
		`SELECT program_id, account_size, platform, purchase_type, product_id, variation_id
		   FROM product_mappings
		  WHERE program_id = $1 AND account_size = $2 AND platform = $3 AND purchase_type = $4`,
		programID, accountSize, platform, string(purchaseType)).
		Scan(&m.ProgramID, &m.AccountSize, &m.Platform, &m.PurchaseType, &m.ProductID, &m.VariationID)
	return m, err
}

// --- purchases ---

const purchaseColumns = `order_number, legacy_id, purchase_type, program_id, program_name,
	account_size, platform, purchase_price, total_price, currency, status,
	customer_name, customer_email, addons, discount_code, coupon_id,
	affiliate_username, payment_method, transaction_id, metadata, created_at, updated_at`

func (s *Store) CreatePurchase(ctx context.Context, p purchase.Purchase) (purchase.Purchase, error) {
	addons, meta, err := encodePurchaseJSON(p)
	if err != nil {
		return purchase.Purchase{}, err
	}
	err = s.Pool.QueryRow(ctx,
		`INSERT INTO purchases
		   (order_number, purchase_type, program_id, program_name, account_size, platform,
		    purchase_price, total_price, currency, status, customer_name, customer_email,
		    addons, discount_code, coupon_id, affiliate_username, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		 RETURNING legacy_id`,
		p.OrderNumber, string(p.PurchaseType), p.ProgramID, p.ProgramName, p.AccountSize, p.Platform,
		p.PurchasePrice, p.TotalPrice, string(p.Currency), string(p.Status), p.CustomerName, p.CustomerEmail,
		addons, p.DiscountCode, p.CouponID, p.AffiliateUsername, meta, p.CreatedAt, p.UpdatedAt).
		Scan(&p.LegacyID)
	if err != nil {
		return purchase.Purchase{}, err
	}
	return p, nil
}

func (s *Store) GetPurchaseByOrderNumber(ctx context.Context, orderNumber string) (purchase.Purchase, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE order_number = $1`, orderNumber)
	return scanPurchase(row)
}

func (s *Store) GetPurchaseByLegacyID(ctx context.Context, legacyID int64) (purchase.Purchase, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE legacy_id = $1`, legacyID)
	return scanPurchase(row)
}

// UpdatePendingPricing rewrites the price-bearing fields while the purchase
// is still pending. The status predicate makes concurrent settlement win over
// a racing edit.
func (s *Store) UpdatePendingPricing(ctx context.Context, p purchase.Purchase) (bool, error) {
	addons, meta, err := encodePurchaseJSON(p)
	if err != nil {
		return false, err
	}
	tag, err := s.Pool.Exec(ctx,
		`UPDATE purchases
		    SET purchase_price = $2, total_price = $3, addons = $4,
		        discount_code = $5, coupon_id = $6, metadata = $7, updated_at = $8
		  WHERE order_number = $1 AND status = 'pending'`,
		p.OrderNumber, p.PurchasePrice, p.TotalPrice, addons,
		p.DiscountCode, p.CouponID, meta, p.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SaveMetadata(ctx context.Context, orderNumber string, meta purchase.Metadata) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx,
		`UPDATE purchases
		    SET metadata = `+metadataMergeExpr+`, updated_at = now()
		  WHERE order_number = $1`,
		orderNumber, encoded)
	return err
}

// metadataMergeExpr merges $2 into the stored metadata instead of replacing
// it, with the gateway namespace merged one level deeper. Two providers
// reporting concurrently then never erase each other's gateway record, no
// matter how their read-modify-write cycles interleave.
const metadataMergeExpr = `jsonb_set(
		coalesce(metadata, '{}'::jsonb) || $2::jsonb,
		'{gateway}',
		coalesce(metadata->'gateway', '{}'::jsonb) || coalesce($2::jsonb->'gateway', '{}'::jsonb))`

// ApplyTransition conditionally moves a purchase out of the expected status.
// Zero rows affected signals a lost race or a redelivery; the caller re-reads
// and acknowledges without side effects.
func (s *Store) ApplyTransition(ctx context.Context, arg reconcile.TransitionParams) (bool, error) {
	encoded, err := json.Marshal(arg.Metadata)
	if err != nil {
		return false, err
	}
	tag, err := s.Pool.Exec(ctx,
		`UPDATE purchases
		    SET status = $3, payment_method = $4, transaction_id = $5,
		        metadata = jsonb_set(
		            coalesce(metadata, '{}'::jsonb) || $6::jsonb,
		            '{gateway}',
		            coalesce(metadata->'gateway', '{}'::jsonb) || coalesce($6::jsonb->'gateway', '{}'::jsonb)),
		        updated_at = now()
		  WHERE order_number = $1 AND status = $2`,
		arg.OrderNumber, string(arg.From), string(arg.To),
		arg.PaymentMethod, arg.TransactionID, encoded)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func encodePurchaseJSON(p purchase.Purchase) (addons, meta []byte, err error) {
	addons, err = json.Marshal(p.AddOns)
	if err != nil {
		return nil, nil, fmt.Errorf("repo: encode addons: %w", err)
	}
	if p.Metadata == nil {
		p.Metadata = purchase.Metadata{}
	}
	meta, err = json.Marshal(p.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("repo: encode metadata: %w", err)
	}
	return addons, meta, nil
}

func scanPurchase(row pgx.Row) (purchase.Purchase, error) {
	var (
		p      purchase.Purchase
		addons []byte
		meta   []byte
	)
	if err := row.Scan(&p.OrderNumber, &p.LegacyID, &p.PurchaseType, &p.ProgramID, &p.ProgramName,
		&p.AccountSize, &p.Platform, &p.PurchasePrice, &p.TotalPrice, &p.Currency, &p.Status,
		&p.CustomerName, &p.CustomerEmail, &addons, &p.DiscountCode, &p.CouponID,
		&p.AffiliateUsername, &p.PaymentMethod, &p.TransactionID, &meta, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return purchase.Purchase{}, err
	}
	if len(addons) > 0 {
		if err := json.Unmarshal(addons, &p.AddOns); err != nil {
			return purchase.Purchase{}, fmt.Errorf("repo: decode addons for %s: %w", p.OrderNumber, err)
		}
	}
	p.Metadata = purchase.Metadata{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return purchase.Purchase{}, fmt.Errorf("repo: decode metadata for %s: %w", p.OrderNumber, err)
		}
	}
	return p, nil
}

// --- domain events ---

func (s *Store) InsertDomainEvent(ctx context.Context, ev events.Event) (events.Event, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO domain_events (id, topic, aggregate, payload)
		 VALUES ($1, $2, $3, $4)
		 RETURNING occurred_at`,
		ev.ID, ev.Topic, ev.OrderNumber, []byte(ev.Payload)).
		Scan(&ev.OccurredAt)
	return ev, err
}
