package addon

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestApplyAdditiveComposition(t *testing.T) {
	selected := []Selected{
		{Name: "profit-split", Percent: decimal.NewFromInt(10)},
		{Name: "double-leverage", Percent: decimal.NewFromInt(5)},
	}
	// 200 + 200×15% = 230
	if got := Apply(200, selected); got != 230 {
		t.Fatalf("Apply(200, 10%%+5%%) = %d, want 230", got)
	}
}

func TestApplyNoAddOns(t *testing.T) {
	if got := Apply(150, nil); got != 150 {
		t.Fatalf("Apply(150, none) = %d, want 150", got)
	}
}

func TestApplyCeilingRounding(t *testing.T) {
	// 99 × 15% = 14.85 → 15, once across the summed percentages.
	selected := []Selected{
		{Percent: decimal.NewFromInt(10)},
		{Percent: decimal.NewFromInt(5)},
	}
	if got := Apply(99, selected); got != 114 {
		t.Fatalf("Apply(99, 15%%) = %d, want 114", got)
	}
}

func TestApplyIgnoresNegativePercent(t *testing.T) {
	selected := []Selected{{Percent: decimal.NewFromInt(-10)}}
	if got := Apply(100, selected); got != 100 {
		t.Fatalf("Apply(100, -10%%) = %d, want 100", got)
	}
}

func TestEligibleFor(t *testing.T) {
	program := uuid.New()
	other := uuid.New()
	open := AddOn{Name: "open"}
	if !open.EligibleFor(program) {
		t.Fatal("empty program set should apply to all programs")
	}
	scoped := AddOn{Name: "scoped", ProgramIDs: []uuid.UUID{program}}
	if !scoped.EligibleFor(program) {
		t.Fatal("scoped add-on should apply to listed program")
	}
	if scoped.EligibleFor(other) {
		t.Fatal("scoped add-on should not apply to unlisted program")
	}
}
