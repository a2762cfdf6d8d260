package reconcile

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/purchase"
)

type stubMappings struct {
	byType map[purchase.Type]purchase.ProductMapping
}

func (s *stubMappings) GetProductMapping(_ context.Context, _ uuid.UUID, _, _ string, typ purchase.Type) (purchase.ProductMapping, error) {
	if m, ok := s.byType[typ]; ok {
		return m, nil
	}
	return purchase.ProductMapping{}, pgx.ErrNoRows
}

func TestResetPrefersFrozenMetadata(t *testing.T) {
	p := purchase.Purchase{
		OrderNumber:  "FTM-1-A",
		PurchaseType: purchase.TypeReset,
		Metadata:     purchase.Metadata{},
	}
	p.Metadata[purchase.MetaProductID] = "wc-frozen"
	p.Metadata[purchase.MetaVariationID] = "wc-frozen-var"

	r := LineItemResolver{
		Mappings: &stubMappings{byType: map[purchase.Type]purchase.ProductMapping{
			purchase.TypeReset: {ProductID: "wc-fresh", VariationID: "wc-fresh-var"},
		}},
		Logger: zerolog.Nop(),
	}
	got := r.Resolve(context.Background(), p)
	if got.ProductID != "wc-frozen" {
		t.Fatalf("reset order must keep frozen ids, got %q via %s", got.ProductID, got.Source)
	}
}

func TestOriginalUsesMappingTable(t *testing.T) {
	p := purchase.Purchase{
		OrderNumber:  "FTM-1-B",
		PurchaseType: purchase.TypeOriginal,
		Metadata:     purchase.Metadata{purchase.MetaProductID: "wc-frozen"},
	}
	r := LineItemResolver{
		Mappings: &stubMappings{byType: map[purchase.Type]purchase.ProductMapping{
			purchase.TypeOriginal: {ProductID: "wc-1001", VariationID: "wc-1001-v"},
		}},
		Logger: zerolog.Nop(),
	}
	got := r.Resolve(context.Background(), p)
	if got.ProductID != "wc-1001" || got.Source != "typed_mapping" {
		t.Fatalf("got %q via %s", got.ProductID, got.Source)
	}
}

func TestActivationFallsBackToOriginalMapping(t *testing.T) {
	p := purchase.Purchase{
		OrderNumber:  "FTM-1-C",
		PurchaseType: purchase.TypeActivation,
		Metadata:     purchase.Metadata{},
	}
	r := LineItemResolver{
		Mappings: &stubMappings{byType: map[purchase.Type]purchase.ProductMapping{
			purchase.TypeOriginal: {ProductID: "wc-base"},
		}},
		Logger: zerolog.Nop(),
	}
	got := r.Resolve(context.Background(), p)
	if got.ProductID != "wc-base" || got.Source != "default_mapping" {
		t.Fatalf("got %q via %s", got.ProductID, got.Source)
	}
}

func TestUnresolvedLineIsBestEffort(t *testing.T) {
	p := purchase.Purchase{OrderNumber: "FTM-1-D", PurchaseType: purchase.TypeOriginal, Metadata: purchase.Metadata{}}
	r := LineItemResolver{Mappings: &stubMappings{}, Logger: zerolog.Nop()}
	got := r.Resolve(context.Background(), p)
	if got.ProductID != "" || got.Source != "unresolved" {
		t.Fatalf("expected unresolved empty details, got %+v", got)
	}
}
