package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/addon"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/coupon"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/lock"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/money"
)

// ErrNotPending is returned when a pre-payment edit targets a purchase that
// already left the pending state.
var ErrNotPending = errors.New("purchase: not pending")

// ProductMapping links a (program, tier, platform, purchase type) key to the
// external commerce product/variation identifiers.
type ProductMapping struct {
	ProgramID    uuid.UUID
	AccountSize  string
	Platform     string
	PurchaseType Type
	ProductID    string
	VariationID  string
}

// Store is the persistence boundary for the purchase aggregate.
type Store interface {
	CreatePurchase(ctx context.Context, p Purchase) (Purchase, error)
	GetPurchaseByOrderNumber(ctx context.Context, orderNumber string) (Purchase, error)
	// UpdatePendingPricing persists price/add-on/coupon fields conditionally
	// on the row still being pending; applied=false means the purchase moved
	// on concurrently.
	UpdatePendingPricing(ctx context.Context, p Purchase) (applied bool, err error)
}

// AddOnSource is the read-only catalog boundary for add-ons.
type AddOnSource interface {
	GetAddOnsByIDs(ctx context.Context, ids []uuid.UUID) ([]addon.AddOn, error)
}

// MappingSource resolves product/variation mappings.
type MappingSource interface {
	GetProductMapping(ctx context.Context, programID uuid.UUID, accountSize, platform string, purchaseType Type) (ProductMapping, error)
}

// CreateInput is the checkout initiation payload.
type CreateInput struct {
	PurchaseType      string      `json:"purchaseType"`
	ProductCode       string      `json:"productCode"`
	ProgramName       string      `json:"programName"`
	Category          string      `json:"category"`
	AccountSize       string      `json:"accountSize" validate:"required"`
	Platform          string      `json:"platform" validate:"required"`
	Currency          string      `json:"currency"`
	CustomerName      string      `json:"customerName" validate:"required"`
	CustomerEmail     string      `json:"customerEmail" validate:"required,email"`
	AddOnIDs          []uuid.UUID `json:"addOnIds"`
	CouponCode        *string     `json:"couponCode"`
	UserRef           *string     `json:"userRef"`
	AffiliateUsername *string     `json:"affiliateUsername"`
}

// Edit is a pre-payment mutation issued by the still-active checkout session.
// Nil fields are left untouched; an empty coupon code clears the coupon.
type Edit struct {
	AddOnIDs   *[]uuid.UUID `json:"addOnIds"`
	CouponCode *string      `json:"couponCode"`
}

// Service creates purchases and applies pre-payment edits. All settlement
// transitions happen in the reconciliation engine, never here.
type Service struct {
	Store    Store
	Resolver Resolver
	AddOns   AddOnSource
	Mappings MappingSource
	Coupons  *coupon.Service
	Validate *validator.Validate
	// Lock serialises concurrent edits to the same order. Optional; the
	// conditional pricing update stays correct without it, the lock only
	// avoids losing one of two overlapping edits.
	Lock   *lock.Locker
	Logger zerolog.Logger
	Now    func() time.Time
}

// Create initiates a purchase in the pending state with frozen coupon and
// add-on snapshots and seeded metadata mirrors.
func (s *Service) Create(ctx context.Context, in CreateInput) (Purchase, error) {
	if s == nil || s.Store == nil {
		return Purchase{}, errors.New("purchase service not configured")
	}
	if s.Validate != nil {
		if err := s.Validate.Struct(in); err != nil {
			return Purchase{}, fmt.Errorf("invalid checkout input: %w", err)
		}
	}
	purchaseType, err := ParseType(in.PurchaseType)
	if err != nil {
		return Purchase{}, err
	}
	currency := in.Currency
	if strings.TrimSpace(currency) == "" {
		currency = string(money.USD)
	}
	cur, err := money.ParseCurrency(currency)
	if err != nil {
		return Purchase{}, err
	}
	program, err := s.Resolver.Resolve(ctx, ResolveInput{
		ProductCode: in.ProductCode,
		ProgramName: in.ProgramName,
		Category:    in.Category,
		AccountSize: in.AccountSize,
	})
	if err != nil {
		return Purchase{}, err
	}

	selected, err := s.selectAddOns(ctx, program.ID, in.AddOnIDs)
	if err != nil {
		return Purchase{}, err
	}

	p := Purchase{
		OrderNumber:       s.newOrderNumber(),
		PurchaseType:      purchaseType,
		ProgramID:         program.ID,
		ProgramName:       program.Name,
		AccountSize:       in.AccountSize,
		Platform:          in.Platform,
		Currency:          cur,
		Status:            StatusPending,
		CustomerName:      strings.TrimSpace(in.CustomerName),
		CustomerEmail:     strings.ToLower(strings.TrimSpace(in.CustomerEmail)),
		AddOns:            selected,
		AffiliateUsername: in.AffiliateUsername,
		Metadata:          Metadata{},
		CreatedAt:         s.now(),
		UpdatedAt:         s.now(),
	}
	userRef := ""
	if in.UserRef != nil {
		userRef = strings.TrimSpace(*in.UserRef)
	}
	if userRef != "" {
		p.Metadata[MetaUserRef] = userRef
	}

	basePrice := program.Price
	if in.CouponCode != nil && strings.TrimSpace(*in.CouponCode) != "" {
		res, err := s.Coupons.Validate(ctx, coupon.Request{
			Code:        *in.CouponCode,
			UserRef:     userRef,
			Email:       p.CustomerEmail,
			ProgramID:   program.ID,
			AccountSize: in.AccountSize,
			OrderAmount: &basePrice,
		})
		if err != nil {
			return Purchase{}, err
		}
		p.DiscountCode = &res.Coupon.Code
		p.CouponID = &res.Coupon.CouponID
		p.PurchasePrice = res.Discount.FinalPrice
		p.Metadata.FreezeDiscount(basePrice, res.Discount.DiscountAmount)
	} else {
		p.PurchasePrice = basePrice
	}
	p.TotalPrice = addon.Apply(p.PurchasePrice, p.AddOns)
	p.Metadata.MirrorPrices(p.TotalPrice, p.PurchasePrice)
	s.freezeMapping(ctx, &p)

	created, err := s.Store.CreatePurchase(ctx, p)
	if err != nil {
		return Purchase{}, err
	}
	s.Logger.Info().
		Str("order_number", created.OrderNumber).
		Str("program", created.ProgramName).
		Str("account_size", created.AccountSize).
		Int64("total_price", created.TotalPrice).
		Msg("purchase_created")
	return created, nil
}

// ApplyEdit reprices a pending purchase after a coupon or add-on change.
// Once a gateway session exists and the purchase left pending, edits are
// rejected with ErrNotPending.
func (s *Service) ApplyEdit(ctx context.Context, orderNumber string, edit Edit) (Purchase, error) {
	if s == nil || s.Store == nil {
		return Purchase{}, errors.New("purchase service not configured")
	}
	if s.Lock != nil {
		var result Purchase
		err := s.Lock.WithLock(ctx, "purchase:edit:"+orderNumber, 10*time.Second, func(ctx context.Context) error {
			var innerErr error
			result, innerErr = s.applyEdit(ctx, orderNumber, edit)
			return innerErr
		})
		return result, err
	}
	return s.applyEdit(ctx, orderNumber, edit)
}

func (s *Service) applyEdit(ctx context.Context, orderNumber string, edit Edit) (Purchase, error) {
	p, err := s.Store.GetPurchaseByOrderNumber(ctx, orderNumber)
	if err != nil {
		return Purchase{}, err
	}
	if p.Status != StatusPending {
		return Purchase{}, ErrNotPending
	}
	if p.Metadata == nil {
		p.Metadata = Metadata{}
	}
	program, err := s.Resolver.Resolve(ctx, ResolveInput{ProgramName: p.ProgramName, AccountSize: p.AccountSize})
	if err != nil {
		return Purchase{}, err
	}

	if edit.AddOnIDs != nil {
		selected, err := s.selectAddOns(ctx, p.ProgramID, *edit.AddOnIDs)
		if err != nil {
			return Purchase{}, err
		}
		p.AddOns = selected
	}
	basePrice := program.Price
	switch {
	case edit.CouponCode != nil && strings.TrimSpace(*edit.CouponCode) == "":
		p.DiscountCode = nil
		p.CouponID = nil
		p.PurchasePrice = basePrice
		p.Metadata.ClearDiscount()
	case edit.CouponCode != nil:
		userRef, _ := p.Metadata[MetaUserRef].(string)
		res, err := s.Coupons.Validate(ctx, coupon.Request{
			Code:        *edit.CouponCode,
			UserRef:     userRef,
			Email:       p.CustomerEmail,
			ProgramID:   p.ProgramID,
			AccountSize: p.AccountSize,
			OrderAmount: &basePrice,
		})
		if err != nil {
			return Purchase{}, err
		}
		p.DiscountCode = &res.Coupon.Code
		p.CouponID = &res.Coupon.CouponID
		p.PurchasePrice = res.Discount.FinalPrice
		p.Metadata.FreezeDiscount(basePrice, res.Discount.DiscountAmount)
	case p.DiscountCode != nil:
		// Add-on-only edit; the frozen coupon discount already lives in
		// PurchasePrice and must not be re-derived from the live coupon.
	default:
		p.PurchasePrice = basePrice
	}
	p.TotalPrice = addon.Apply(p.PurchasePrice, p.AddOns)
	p.Metadata.MirrorPrices(p.TotalPrice, p.PurchasePrice)
	p.UpdatedAt = s.now()

	applied, err := s.Store.UpdatePendingPricing(ctx, p)
	if err != nil {
		return Purchase{}, err
	}
	if !applied {
		return Purchase{}, ErrNotPending
	}
	return p, nil
}

func (s *Service) selectAddOns(ctx context.Context, programID uuid.UUID, ids []uuid.UUID) ([]addon.Selected, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if s.AddOns == nil {
		return nil, errors.New("add-on source not configured")
	}
	available, err := s.AddOns.GetAddOnsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]addon.AddOn, len(available))
	for _, a := range available {
		byID[a.ID] = a
	}
	selected := make([]addon.Selected, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown add-on %s", id)
		}
		if !a.EligibleFor(programID) {
			return nil, fmt.Errorf("add-on %s not available for this program", a.Name)
		}
		selected = append(selected, addon.Snapshot(a))
	}
	return selected, nil
}

// freezeMapping stores the external product/variation identifiers in
// metadata at creation time so reset reconciliation can prefer them over a
// fresh, possibly-changed mapping lookup. A miss is a resolution error:
// logged with context, purchase still created.
func (s *Service) freezeMapping(ctx context.Context, p *Purchase) {
	if s.Mappings == nil {
		return
	}
	mapping, err := s.Mappings.GetProductMapping(ctx, p.ProgramID, p.AccountSize, p.Platform, p.PurchaseType)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.Logger.Error().Err(err).Str("order_number", p.OrderNumber).Msg("mapping_lookup_failed")
			return
		}
		s.Logger.Warn().
			Str("order_number", p.OrderNumber).
			Str("program", p.ProgramName).
			Str("account_size", p.AccountSize).
			Str("platform", p.Platform).
			Msg("no_product_mapping_at_creation")
		return
	}
	p.Metadata[MetaProductID] = mapping.ProductID
	p.Metadata[MetaVariationID] = mapping.VariationID
}

func (s *Service) newOrderNumber() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("FTM-%d-%s", s.now().Unix(), id[:8])
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
