package coupon

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/discount"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/money"
)

var (
	// ErrNotFound is returned when no coupon exists for the given code.
	ErrNotFound = errors.New("coupon not found")
	// ErrDisabled is returned when an operator has disabled the coupon.
	ErrDisabled = errors.New("coupon disabled")
	// ErrExpired is returned when the coupon is past its validity window.
	ErrExpired = errors.New("coupon expired")
	// ErrNotYetActive is returned before the coupon's validFrom instant.
	ErrNotYetActive = errors.New("coupon not yet active")
	// ErrNotEligible is returned when the coupon restricts to other users.
	ErrNotEligible = errors.New("coupon not eligible for this user")
	// ErrUsageLimitReached indicates the global usage quota is exhausted.
	ErrUsageLimitReached = errors.New("coupon usage limit reached")
	// ErrPerUserLimitReached indicates this user exhausted their allowance.
	ErrPerUserLimitReached = errors.New("coupon per-user usage limit reached")
)

// Status is the operator-controlled lifecycle state of a coupon.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusExpired  Status = "expired"
)

// Coupon is externally-owned reference data: created and edited by operators,
// read-only to the pricing path, never mutated by checkout.
type Coupon struct {
	ID           uuid.UUID
	Code         string
	Type         discount.Type
	Value        decimal.Decimal
	MaxDiscount  *money.Amount
	Status       Status
	ValidFrom    time.Time
	ValidTo      *time.Time
	AllowedUsers []string
	UsageLimit   *int32
	PerUserLimit *int32
}

// restrictsUsers reports whether the coupon is limited to specific identities.
func (c Coupon) restrictsUsers() bool { return len(c.AllowedUsers) > 0 }

// allowsUser matches the resolved identity (id or email, case-insensitive)
// against the restriction set.
func (c Coupon) allowsUser(userRef, email string) bool {
	for _, allowed := range c.AllowedUsers {
		if userRef != "" && strings.EqualFold(allowed, userRef) {
			return true
		}
		if email != "" && strings.EqualFold(allowed, email) {
			return true
		}
	}
	return false
}

// checkWindow validates status and validity window at the given instant.
func (c Coupon) checkWindow(now time.Time) error {
	switch c.Status {
	case StatusActive:
	case StatusDisabled:
		return ErrDisabled
	case StatusExpired:
		return ErrExpired
	default:
		return ErrDisabled
	}
	if now.Before(c.ValidFrom) {
		return ErrNotYetActive
	}
	if c.ValidTo != nil && now.After(*c.ValidTo) {
		return ErrExpired
	}
	return nil
}

// Snapshot is the immutable copy of a coupon's pricing fields frozen at
// validation time. Later operator edits must not retroactively alter an
// already-validated quote.
type Snapshot struct {
	CouponID    uuid.UUID       `json:"couponId"`
	Code        string          `json:"code"`
	Type        discount.Type   `json:"type"`
	Value       decimal.Decimal `json:"value"`
	MaxDiscount *money.Amount   `json:"maxDiscount,omitempty"`
}

// Freeze captures the pricing-relevant fields of a coupon.
func (c Coupon) Freeze() Snapshot {
	return Snapshot{CouponID: c.ID, Code: c.Code, Type: c.Type, Value: c.Value, MaxDiscount: c.MaxDiscount}
}

// Usage is the append-only record of one successful redemption. It is created
// exactly once per settled order and never updated or deleted.
type Usage struct {
	ID             uuid.UUID
	CouponID       uuid.UUID
	UserRef        string
	Email          string
	ProgramID      uuid.UUID
	AccountSize    string
	OriginalPrice  money.Amount
	DiscountAmount money.Amount
	FinalPrice     money.Amount
	OrderNumber    string
	CreatedAt      time.Time
}
