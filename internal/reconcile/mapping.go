package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/purchase"
)

// LineDetails carries the external commerce identifiers resolved for an
// order line.
type LineDetails struct {
	ProductID   string
	VariationID string
	Source      string
}

// LineItemResolver resolves external product/variation identifiers for a
// settled purchase. Strategy order depends on the purchase type: reset orders
// prefer the identifiers frozen in metadata at creation time so a mapping
// changed after the fact is never re-derived; original and activation orders
// consult the mapping table first and fall back to the frozen identifiers.
// Resolution is best effort and never fails settlement.
type LineItemResolver struct {
	Mappings purchase.MappingSource
	Logger   zerolog.Logger
}

type lineStrategy struct {
	name string
	fn   func(ctx context.Context, p purchase.Purchase) (*LineDetails, error)
}

func (r LineItemResolver) strategies(p purchase.Purchase) []lineStrategy {
	if p.PurchaseType == purchase.TypeReset {
		return []lineStrategy{
			{"frozen_metadata", r.fromMetadata},
			{"typed_mapping", r.fromTypedMapping},
			{"default_mapping", r.fromDefaultMapping},
		}
	}
	return []lineStrategy{
		{"typed_mapping", r.fromTypedMapping},
		{"default_mapping", r.fromDefaultMapping},
		{"frozen_metadata", r.fromMetadata},
	}
}

// Resolve returns the line identifiers for p. When every strategy misses it
// returns empty details with Source "unresolved" so the export still goes out
// with the program name alone.
func (r LineItemResolver) Resolve(ctx context.Context, p purchase.Purchase) LineDetails {
	for i, s := range r.strategies(p) {
		details, err := s.fn(ctx, p)
		if err != nil {
			r.Logger.Error().Err(err).
				Str("order_number", p.OrderNumber).
				Str("strategy", s.name).
				Msg("line_resolution_strategy_failed")
			continue
		}
		if details == nil {
			continue
		}
		details.Source = s.name
		if i > 0 {
			r.Logger.Warn().
				Str("order_number", p.OrderNumber).
				Str("purchase_type", string(p.PurchaseType)).
				Str("strategy", s.name).
				Msg("line_resolved_by_fallback")
		}
		return *details
	}
	r.Logger.Warn().
		Str("order_number", p.OrderNumber).
		Str("purchase_type", string(p.PurchaseType)).
		Msg("line_unresolved")
	return LineDetails{Source: "unresolved"}
}

func (r LineItemResolver) fromMetadata(_ context.Context, p purchase.Purchase) (*LineDetails, error) {
	productID, variationID, ok := p.Metadata.FrozenProductIDs()
	if !ok || strings.TrimSpace(productID) == "" {
		return nil, nil
	}
	return &LineDetails{ProductID: productID, VariationID: variationID}, nil
}

func (r LineItemResolver) fromTypedMapping(ctx context.Context, p purchase.Purchase) (*LineDetails, error) {
	return r.lookup(ctx, p, p.PurchaseType)
}

// fromDefaultMapping falls back to the original-order mapping for the same
// program/tier/platform key.
func (r LineItemResolver) fromDefaultMapping(ctx context.Context, p purchase.Purchase) (*LineDetails, error) {
	if p.PurchaseType == purchase.TypeOriginal {
		return nil, nil
	}
	return r.lookup(ctx, p, purchase.TypeOriginal)
}

func (r LineItemResolver) lookup(ctx context.Context, p purchase.Purchase, typ purchase.Type) (*LineDetails, error) {
	if r.Mappings == nil {
		return nil, nil
	}
	mapping, err := r.Mappings.GetProductMapping(ctx, p.ProgramID, p.AccountSize, p.Platform, typ)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &LineDetails{ProductID: mapping.ProductID, VariationID: mapping.VariationID}, nil
}
