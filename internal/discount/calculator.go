package discount

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/money"
)

// Type identifies how a discount value is interpreted.
type Type string

const (
	// TypePercentage discounts value% off the original price.
	TypePercentage Type = "percentage"
	// TypeFixed discounts a flat amount of currency units.
	TypeFixed Type = "fixed"
)

// ParseType normalises a stored discount type string.
func ParseType(value string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(value))); t {
	case TypePercentage, TypeFixed:
		return t, nil
	default:
		return "", fmt.Errorf("discount: unknown type %q", value)
	}
}

// Result is the outcome of a discount calculation. The invariant
// DiscountAmount ∈ [0, originalPrice] and FinalPrice = originalPrice −
// DiscountAmount holds for every input.
type Result struct {
	DiscountAmount money.Amount `json:"discountAmount"`
	FinalPrice     money.Amount `json:"finalPrice"`
}

// Calculate computes the discount for a single price. Pure: no I/O, no clock,
// deterministic for identical inputs. maxDiscount, when non-nil, caps the
// discount before the price clamp is applied. Both outputs are whole currency
// units under the ceiling rounding policy.
func Calculate(originalPrice money.Amount, typ Type, value decimal.Decimal, maxDiscount *money.Amount) Result {
	if originalPrice < 0 {
		originalPrice = 0
	}
	var amount money.Amount
	switch typ {
	case TypePercentage:
		amount = money.Percent(originalPrice, value)
	case TypeFixed:
		amount = money.RoundUp(value)
	}
	if maxDiscount != nil && *maxDiscount >= 0 && amount > *maxDiscount {
		amount = *maxDiscount
	}
	if amount < 0 {
		amount = 0
	}
	if amount > originalPrice {
		amount = originalPrice
	}
	return Result{
		DiscountAmount: amount,
		FinalPrice:     originalPrice - amount,
	}
}
