package addon

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/money"
)

// AddOn is an optional percentage price loading attachable to a purchase.
// Meta is display/storefront payload, opaque to pricing and passed through
// unchanged.
type AddOn struct {
	ID         uuid.UUID
	Name       string
	Percent    decimal.Decimal
	ProgramIDs []uuid.UUID
	Meta       json.RawMessage
}

// EligibleFor reports whether the add-on applies to the given program.
// An empty ProgramIDs set means the add-on applies everywhere.
func (a AddOn) EligibleFor(programID uuid.UUID) bool {
	if len(a.ProgramIDs) == 0 {
		return true
	}
	for _, id := range a.ProgramIDs {
		if id == programID {
			return true
		}
	}
	return false
}

// Selected is the immutable snapshot of an add-on frozen onto a purchase at
// the moment of selection, so later catalog edits cannot reprice an order.
type Selected struct {
	ID      uuid.UUID       `json:"id"`
	Name    string          `json:"name"`
	Percent decimal.Decimal `json:"percent"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// Snapshot freezes the pricing-relevant fields of an add-on.
func Snapshot(a AddOn) Selected {
	return Selected{ID: a.ID, Name: a.Name, Percent: a.Percent, Meta: a.Meta}
}

// Apply composes the base (coupon-adjusted) price with the selected add-ons:
// final = base + base × (Σ percent) / 100, rounded up once. Percentages
// compose additively, never multiplicatively, and always load on top of the
// discounted price rather than the list price.
func Apply(base money.Amount, selected []Selected) money.Amount {
	if base <= 0 {
		return 0
	}
	sum := decimal.Zero
	for _, s := range selected {
		if s.Percent.IsNegative() {
			continue
		}
		sum = sum.Add(s.Percent)
	}
	if sum.IsZero() {
		return base
	}
	return base + money.Percent(base, sum)
}

// Loading returns the add-on portion of a total for a single selection,
// used for per-line fee reporting toward downstream systems.
func Loading(base money.Amount, s Selected) money.Amount {
	if base <= 0 || s.Percent.IsNegative() {
		return 0
	}
	return money.Percent(base, s.Percent)
}
