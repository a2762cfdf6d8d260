package coupon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/discount"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/money"
)

type stubStore struct {
	coupon        Coupon
	missing       bool
	usageCount    int64
	userUsage     int64
	usageByOrder  map[string]Usage
	insertedUsage []Usage
}

func (s *stubStore) GetCouponByCode(_ context.Context, code string) (Coupon, error) {
	if s.missing {
		return Coupon{}, pgx.ErrNoRows
	}
	return s.coupon, nil
}

func (s *stubStore) CountUsage(_ context.Context, _ uuid.UUID) (int64, error) {
	return s.usageCount, nil
}

func (s *stubStore) CountUsageByUser(_ context.Context, _ uuid.UUID, _, _ string) (int64, error) {
	return s.userUsage, nil
}

func (s *stubStore) GetUsageByOrder(_ context.Context, _ uuid.UUID, orderNumber string) (Usage, error) {
	if u, ok := s.usageByOrder[orderNumber]; ok {
		return u, nil
	}
	return Usage{}, pgx.ErrNoRows
}

func (s *stubStore) InsertUsage(_ context.Context, usage Usage) error {
	s.insertedUsage = append(s.insertedUsage, usage)
	if s.usageByOrder == nil {
		s.usageByOrder = map[string]Usage{}
	}
	s.usageByOrder[usage.OrderNumber] = usage
	return nil
}

func activeCoupon() Coupon {
	return Coupon{
		ID:        uuid.New(),
		Code:      "WELCOME20",
		Type:      discount.TypePercentage,
		Value:     decimal.NewFromInt(20),
		Status:    StatusActive,
		ValidFrom: time.Now().Add(-time.Hour),
	}
}

func fixedClock(s *Service) {
	now := time.Now()
	s.Now = func() time.Time { return now }
}

func TestValidateComputesDiscount(t *testing.T) {
	svc := &Service{Store: &stubStore{coupon: activeCoupon()}}
	fixedClock(svc)
	amount := money.Amount(100)
	res, err := svc.Validate(context.Background(), Request{Code: "welcome20", Email: "trader@example.com", OrderAmount: &amount})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Discount == nil || res.Discount.DiscountAmount != 20 || res.Discount.FinalPrice != 80 {
		t.Fatalf("20%% of 100: got %+v", res.Discount)
	}
	if res.Coupon.Code != "WELCOME20" {
		t.Fatalf("expected frozen code WELCOME20, got %s", res.Coupon.Code)
	}
}

func TestValidateNotFound(t *testing.T) {
	svc := &Service{Store: &stubStore{missing: true}}
	_, err := svc.Validate(context.Background(), Request{Code: "NOPE"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidateExpired(t *testing.T) {
	c := activeCoupon()
	past := time.Now().Add(-time.Minute)
	c.ValidTo = &past
	svc := &Service{Store: &stubStore{coupon: c}}
	_, err := svc.Validate(context.Background(), Request{Code: c.Code, Email: "trader@example.com"})
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestValidateNotYetActive(t *testing.T) {
	c := activeCoupon()
	c.ValidFrom = time.Now().Add(time.Hour)
	svc := &Service{Store: &stubStore{coupon: c}}
	_, err := svc.Validate(context.Background(), Request{Code: c.Code})
	if !errors.Is(err, ErrNotYetActive) {
		t.Fatalf("expected ErrNotYetActive, got %v", err)
	}
}

func TestValidateDisabled(t *testing.T) {
	c := activeCoupon()
	c.Status = StatusDisabled
	svc := &Service{Store: &stubStore{coupon: c}}
	_, err := svc.Validate(context.Background(), Request{Code: c.Code})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestValidateUserRestriction(t *testing.T) {
	c := activeCoupon()
	c.AllowedUsers = []string{"vip@example.com"}
	store := &stubStore{coupon: c}
	svc := &Service{Store: store}

	if _, err := svc.Validate(context.Background(), Request{Code: c.Code, Email: "other@example.com"}); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible for unlisted user, got %v", err)
	}
	// Restricted coupons need a resolved identity even for quotes.
	if _, err := svc.Validate(context.Background(), Request{Code: c.Code}); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible for anonymous user, got %v", err)
	}
	if _, err := svc.Validate(context.Background(), Request{Code: c.Code, Email: "VIP@example.com"}); err != nil {
		t.Fatalf("case-insensitive allowed email should pass, got %v", err)
	}
}

func TestValidateGlobalUsageLimit(t *testing.T) {
	c := activeCoupon()
	limit := int32(5)
	c.UsageLimit = &limit
	svc := &Service{Store: &stubStore{coupon: c, usageCount: 5}}
	_, err := svc.Validate(context.Background(), Request{Code: c.Code})
	if !errors.Is(err, ErrUsageLimitReached) {
		t.Fatalf("expected ErrUsageLimitReached, got %v", err)
	}
}

func TestValidatePerUserLimitSkippedForAnonymous(t *testing.T) {
	c := activeCoupon()
	limit := int32(1)
	c.PerUserLimit = &limit
	store := &stubStore{coupon: c, userUsage: 1}
	svc := &Service{Store: store}

	if _, err := svc.Validate(context.Background(), Request{Code: c.Code, Email: "trader@example.com"}); !errors.Is(err, ErrPerUserLimitReached) {
		t.Fatalf("expected ErrPerUserLimitReached, got %v", err)
	}
	// Anonymous quotes skip the per-user check but keep the rest.
	if _, err := svc.Validate(context.Background(), Request{Code: c.Code}); err != nil {
		t.Fatalf("anonymous quote should pass per-user check, got %v", err)
	}
}

func TestRecordUsageIdempotent(t *testing.T) {
	c := activeCoupon()
	store := &stubStore{coupon: c}
	svc := &Service{Store: store}
	usage := Usage{
		CouponID:       c.ID,
		Email:          "trader@example.com",
		OriginalPrice:  100,
		DiscountAmount: 20,
		FinalPrice:     80,
		OrderNumber:    "FTM-1001",
	}
	if err := svc.RecordUsage(context.Background(), usage); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := svc.RecordUsage(context.Background(), usage); err != nil {
		t.Fatalf("second record: %v", err)
	}
	if len(store.insertedUsage) != 1 {
		t.Fatalf("expected exactly one usage row, got %d", len(store.insertedUsage))
	}
}
