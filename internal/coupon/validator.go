package coupon

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/discount"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/money"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/obs"
)

// Store captures the persistence operations the validator depends on.
type Store interface {
	GetCouponByCode(ctx context.Context, code string) (Coupon, error)
	CountUsage(ctx context.Context, couponID uuid.UUID) (int64, error)
	CountUsageByUser(ctx context.Context, couponID uuid.UUID, userRef, email string) (int64, error)
	GetUsageByOrder(ctx context.Context, couponID uuid.UUID, orderNumber string) (Usage, error)
	InsertUsage(ctx context.Context, usage Usage) error
}

// Request is the purchase context a coupon is validated against. UserRef and
// Email may both be empty for anonymous pre-login quotes; per-user checks are
// then skipped while program/time/global-cap checks still apply. That weaker
// guarantee is tightened again at redemption, when identity is mandatory.
type Request struct {
	Code        string
	UserRef     string
	Email       string
	ProgramID   uuid.UUID
	AccountSize string
	OrderAmount *money.Amount
}

// Result carries the frozen coupon snapshot plus, when an order amount was
// provided, the computed discount.
type Result struct {
	Coupon   Snapshot
	Discount *discount.Result
}

// Service validates coupon codes against their rules and usage counters.
// Usage-cap counting is read at validation time and eventually consistent
// under race: two simultaneous redemptions near a cap may both pass. Strict
// exactness would need a cross-request lock the domain does not justify.
type Service struct {
	Store Store
	Now   func() time.Time
}

// Validate runs the rule sequence for a code: lookup, status/window, user
// restriction, global cap, per-user cap. On success the coupon's discount
// fields are frozen into the result.
func (s *Service) Validate(ctx context.Context, req Request) (Result, error) {
	if s == nil || s.Store == nil {
		return Result{}, errors.New("coupon service not configured")
	}
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		return Result{}, ErrNotFound
	}
	c, err := s.Store.GetCouponByCode(ctx, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.count("not_found")
			return Result{}, ErrNotFound
		}
		return Result{}, err
	}
	if err := c.checkWindow(s.now()); err != nil {
		s.count("window")
		return Result{}, err
	}
	if c.restrictsUsers() {
		if req.UserRef == "" && req.Email == "" {
			s.count("not_eligible")
			return Result{}, ErrNotEligible
		}
		if !c.allowsUser(req.UserRef, req.Email) {
			s.count("not_eligible")
			return Result{}, ErrNotEligible
		}
	}
	if c.UsageLimit != nil && *c.UsageLimit >= 0 {
		used, err := s.Store.CountUsage(ctx, c.ID)
		if err != nil {
			return Result{}, err
		}
		if used >= int64(*c.UsageLimit) {
			s.count("usage_limit")
			return Result{}, ErrUsageLimitReached
		}
	}
	if c.PerUserLimit != nil && *c.PerUserLimit > 0 && (req.UserRef != "" || req.Email != "") {
		used, err := s.Store.CountUsageByUser(ctx, c.ID, req.UserRef, req.Email)
		if err != nil {
			return Result{}, err
		}
		if used >= int64(*c.PerUserLimit) {
			s.count("per_user_limit")
			return Result{}, ErrPerUserLimitReached
		}
	}
	res := Result{Coupon: c.Freeze()}
	if req.OrderAmount != nil {
		d := discount.Calculate(*req.OrderAmount, c.Type, c.Value, c.MaxDiscount)
		res.Discount = &d
	}
	s.count("valid")
	return res, nil
}

// RecordUsage appends the redemption record at settlement time, idempotent on
// order number: re-delivered settlements never create a second row. Cap
// checks are deliberately not re-run here; validity is enforced at quote and
// redemption time, never at settlement time.
func (s *Service) RecordUsage(ctx context.Context, usage Usage) error {
	if s == nil || s.Store == nil {
		return errors.New("coupon service not configured")
	}
	if usage.CouponID == uuid.Nil || strings.TrimSpace(usage.OrderNumber) == "" {
		return nil
	}
	_, err := s.Store.GetUsageByOrder(ctx, usage.CouponID, usage.OrderNumber)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if usage.ID == uuid.Nil {
		usage.ID = uuid.New()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = s.now()
	}
	return s.Store.InsertUsage(ctx, usage)
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) count(result string) {
	if obs.CouponValidationTotal != nil {
		obs.CouponValidationTotal.WithLabelValues(result).Inc()
	}
}
