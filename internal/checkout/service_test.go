package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/addon"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/coupon"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/discount"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/purchase"
)

type stubProgramSource struct {
	program purchase.Program
}

func (s *stubProgramSource) GetProgramByProduct(context.Context, string, string) (purchase.Program, error) {
	return purchase.Program{}, pgx.ErrNoRows
}

func (s *stubProgramSource) GetProgramByName(_ context.Context, name string) (purchase.Program, error) {
	if name == s.program.Name {
		return s.program, nil
	}
	return purchase.Program{}, pgx.ErrNoRows
}

func (s *stubProgramSource) ListActivePrograms(context.Context, string, string) ([]purchase.Program, error) {
	return []purchase.Program{s.program}, nil
}

type stubAddOns struct{ addons []addon.AddOn }

func (s *stubAddOns) GetAddOnsByIDs(_ context.Context, ids []uuid.UUID) ([]addon.AddOn, error) {
	var out []addon.AddOn
	for _, a := range s.addons {
		for _, id := range ids {
			if a.ID == id {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

type stubCouponStore struct{ coupon *coupon.Coupon }

func (s *stubCouponStore) GetCouponByCode(context.Context, string) (coupon.Coupon, error) {
	if s.coupon == nil {
		return coupon.Coupon{}, pgx.ErrNoRows
	}
	return *s.coupon, nil
}
func (s *stubCouponStore) CountUsage(context.Context, uuid.UUID) (int64, error) { return 0, nil }
func (s *stubCouponStore) CountUsageByUser(context.Context, uuid.UUID, string, string) (int64, error) {
	return 0, nil
}
func (s *stubCouponStore) GetUsageByOrder(context.Context, uuid.UUID, string) (coupon.Usage, error) {
	return coupon.Usage{}, pgx.ErrNoRows
}
func (s *stubCouponStore) InsertUsage(context.Context, coupon.Usage) error { return nil }

func quoteService(c *coupon.Coupon, addons ...addon.AddOn) *Service {
	program := purchase.Program{
		ID:          uuid.New(),
		Name:        "Evaluation 100K",
		Category:    "evaluation",
		AccountSize: "100K",
		Price:       500,
		Currency:    "USD",
		Active:      true,
	}
	return &Service{
		Resolver: purchase.Resolver{Source: &stubProgramSource{program: program}, Logger: zerolog.Nop()},
		AddOns:   &stubAddOns{addons: addons},
		Coupons:  &coupon.Service{Store: &stubCouponStore{coupon: c}},
		Logger:   zerolog.Nop(),
	}
}

func TestQuoteWithCouponAndAddOns(t *testing.T) {
	c := &coupon.Coupon{
		ID:        uuid.New(),
		Code:      "WELCOME20",
		Type:      discount.TypePercentage,
		Value:     decimal.NewFromInt(20),
		Status:    coupon.StatusActive,
		ValidFrom: time.Unix(1_600_000_000, 0),
	}
	split := addon.AddOn{ID: uuid.New(), Name: "profit-split", Percent: decimal.NewFromInt(10)}
	svc := quoteService(c, split)

	code := "welcome20"
	out, err := svc.Quote(context.Background(), QuoteInput{
		ProgramName: "Evaluation 100K",
		AccountSize: "100K",
		CouponCode:  &code,
		AddOnIDs:    []uuid.UUID{split.ID},
	})
	require.NoError(t, err)
	require.EqualValues(t, 500, out.BasePrice)
	require.EqualValues(t, 100, out.DiscountAmount)
	require.EqualValues(t, 400, out.PurchasePrice)
	require.Len(t, out.AddOns, 1)
	require.EqualValues(t, 40, out.AddOns[0].Amount)
	require.EqualValues(t, 440, out.TotalPrice)
	require.Equal(t, "WELCOME20", out.CouponCode)
}

func TestQuoteRoundsCombinedAddOnLoadingOnce(t *testing.T) {
	program := purchase.Program{
		ID:          uuid.New(),
		Name:        "Instant 10K",
		Category:    "instant",
		AccountSize: "10K",
		Price:       101,
		Currency:    "USD",
		Active:      true,
	}
	split := addon.AddOn{ID: uuid.New(), Name: "profit-split", Percent: decimal.NewFromInt(3)}
	leverage := addon.AddOn{ID: uuid.New(), Name: "double-leverage", Percent: decimal.NewFromInt(3)}
	svc := &Service{
		Resolver: purchase.Resolver{Source: &stubProgramSource{program: program}, Logger: zerolog.Nop()},
		AddOns:   &stubAddOns{addons: []addon.AddOn{split, leverage}},
		Coupons:  &coupon.Service{Store: &stubCouponStore{}},
		Logger:   zerolog.Nop(),
	}

	out, err := svc.Quote(context.Background(), QuoteInput{
		ProgramName: "Instant 10K",
		AccountSize: "10K",
		AddOnIDs:    []uuid.UUID{split.ID, leverage.ID},
	})
	require.NoError(t, err)
	// 101 + 6% = 107.06, rounded up once to 108. Summing the two per-line
	// display amounts would give 109.
	require.EqualValues(t, 108, out.TotalPrice)
	require.Equal(t,
		addon.Apply(out.PurchasePrice, []addon.Selected{addon.Snapshot(split), addon.Snapshot(leverage)}),
		out.TotalPrice,
		"a quote must price add-ons exactly as checkout does")
}

func TestQuoteAnonymousSkipsPerUserCap(t *testing.T) {
	limit := int32(1)
	c := &coupon.Coupon{
		ID:           uuid.New(),
		Code:         "ONCE",
		Type:         discount.TypePercentage,
		Value:        decimal.NewFromInt(10),
		Status:       coupon.StatusActive,
		ValidFrom:    time.Unix(1_600_000_000, 0),
		PerUserLimit: &limit,
	}
	svc := quoteService(c)

	code := "ONCE"
	out, err := svc.Quote(context.Background(), QuoteInput{ProgramName: "Evaluation 100K", CouponCode: &code})
	require.NoError(t, err)
	require.EqualValues(t, 450, out.PurchasePrice)
}

func TestQuoteEndpointMapsCouponExpiry(t *testing.T) {
	past := time.Unix(1_600_000_000, 0)
	c := &coupon.Coupon{
		ID:        uuid.New(),
		Code:      "OLD",
		Type:      discount.TypePercentage,
		Value:     decimal.NewFromInt(10),
		Status:    coupon.StatusActive,
		ValidFrom: time.Unix(1_500_000_000, 0),
		ValidTo:   &past,
	}
	h := &Handler{Svc: quoteService(c)}
	router := chi.NewRouter()
	router.Post("/v1/quote", h.Quote)

	body, _ := json.Marshal(QuoteInput{ProgramName: "Evaluation 100K", CouponCode: ptr("OLD")})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/quote", bytes.NewReader(body)))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "COUPON_EXPIRED")
}

func ptr(s string) *string { return &s }
