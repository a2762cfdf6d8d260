package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a price expressed in whole currency units. The catalog prices
// every tier in whole dollars/euros/pounds; fractional values only exist
// transiently inside percentage math and are collapsed through RoundUp.
type Amount = int64

// Currency tags an amount. No FX conversion happens anywhere in this module.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
)

// ParseCurrency normalises and validates a currency code.
func ParseCurrency(value string) (Currency, error) {
	switch c := Currency(strings.ToUpper(strings.TrimSpace(value))); c {
	case USD, EUR, GBP:
		return c, nil
	case "":
		return "", fmt.Errorf("money: currency is required")
	default:
		return "", fmt.Errorf("money: unsupported currency %q", value)
	}
}

// RoundUp collapses a decimal value to whole currency units, rounding toward
// positive infinity. Every price computation in the module funnels through
// this single policy so two call sites can never disagree on rounding.
func RoundUp(d decimal.Decimal) Amount {
	return d.Ceil().IntPart()
}

// Percent returns pct% of base, rounded up.
func Percent(base Amount, pct decimal.Decimal) Amount {
	if base <= 0 || pct.IsZero() {
		return 0
	}
	return RoundUp(decimal.NewFromInt(base).Mul(pct).Div(decimal.NewFromInt(100)))
}

// ParseAmount converts a gateway-supplied decimal string ("99", "99.00",
// "98.7") into whole currency units using the ceiling policy. Empty input
// parses to zero: several gateways omit the amount on failure callbacks.
func ParseAmount(value string) (Amount, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("money: parse amount %q: %w", value, err)
	}
	return RoundUp(d), nil
}

// WithinTolerance reports whether two amounts agree within tol units.
func WithinTolerance(a, b, tol Amount) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tol
}
