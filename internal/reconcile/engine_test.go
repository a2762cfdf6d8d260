package reconcile

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/coupon"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/events"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/gateway"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/lock"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/purchase"
)

type engineStore struct {
	mu          sync.Mutex
	byOrder     map[string]*purchase.Purchase
	byLegacy    map[int64]*purchase.Purchase
	metaSaves   int
	transitions []TransitionParams
}

func newEngineStore(purchases ...*purchase.Purchase) *engineStore {
	s := &engineStore{byOrder: map[string]*purchase.Purchase{}, byLegacy: map[int64]*purchase.Purchase{}}
	for _, p := range purchases {
		s.byOrder[p.OrderNumber] = p
		if p.LegacyID > 0 {
			s.byLegacy[p.LegacyID] = p
		}
	}
	return s
}

func (s *engineStore) GetPurchaseByOrderNumber(_ context.Context, orderNumber string) (purchase.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byOrder[orderNumber]; ok {
		return *p, nil
	}
	return purchase.Purchase{}, pgx.ErrNoRows
}

func (s *engineStore) GetPurchaseByLegacyID(_ context.Context, legacyID int64) (purchase.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byLegacy[legacyID]; ok {
		return *p, nil
	}
	return purchase.Purchase{}, pgx.ErrNoRows
}

func (s *engineStore) SaveMetadata(_ context.Context, orderNumber string, meta purchase.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byOrder[orderNumber]; ok {
		p.Metadata = meta
		s.metaSaves++
	}
	return nil
}

func (s *engineStore) ApplyTransition(_ context.Context, arg TransitionParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, arg)
	p, ok := s.byOrder[arg.OrderNumber]
	if !ok || p.Status != arg.From {
		return false, nil
	}
	p.Status = arg.To
	p.PaymentMethod = arg.PaymentMethod
	p.TransactionID = arg.TransactionID
	p.Metadata = arg.Metadata
	return true, nil
}

type eventSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *eventSink) InsertDomainEvent(_ context.Context, ev events.Event) (events.Event, error) {
	ev.ID = uuid.New()
	ev.OccurredAt = time.Now()
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return ev, nil
}

func (s *eventSink) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Topic)
	}
	return out
}

type settleRecorder struct {
	mu     sync.Mutex
	usages []coupon.Usage
}

func (r *settleRecorder) RecordUsage(_ context.Context, usage coupon.Usage) error {
	r.mu.Lock()
	r.usages = append(r.usages, usage)
	r.mu.Unlock()
	return nil
}

func pendingPurchase() *purchase.Purchase {
	couponID := uuid.New()
	p := &purchase.Purchase{
		OrderNumber:   "FTM-1700000000-DEADBEEF",
		LegacyID:      42,
		PurchaseType:  purchase.TypeOriginal,
		ProgramID:     uuid.New(),
		ProgramName:   "Evaluation 100K",
		AccountSize:   "100K",
		Platform:      "mt5",
		PurchasePrice: 400,
		TotalPrice:    460,
		Currency:      "USD",
		Status:        purchase.StatusPending,
		CustomerName:  "Ada Trader",
		CustomerEmail: "ada@example.com",
		CouponID:      &couponID,
		Metadata:      purchase.Metadata{},
	}
	p.Metadata.MirrorPrices(p.TotalPrice, p.PurchasePrice)
	return p
}

func newEngine(store *engineStore) (*Engine, *eventSink, *settleRecorder) {
	sink := &eventSink{}
	settler := &settleRecorder{}
	e := &Engine{
		Store:     store,
		Providers: map[string]gateway.Provider{"paytiko": gateway.Paytiko{MerchantSecret: "secret"}},
		Coupons:   settler,
		Bus:       &events.Bus{Store: sink, Logger: zerolog.Nop()},
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return time.Unix(1_700_000_100, 0) },
	}
	return e, sink, settler
}

func completedResult(p *purchase.Purchase) gateway.VerifyResult {
	return gateway.VerifyResult{
		Valid:         true,
		OrderNumber:   p.OrderNumber,
		LegacyID:      p.LegacyID,
		Status:        gateway.StatusCompleted,
		RawStatus:     "Approved",
		Amount:        p.TotalPrice,
		Currency:      "USD",
		TransactionID: "tx-991",
		PaymentMethod: "visa",
		Payload:       []byte(`{"status":"Approved","cardBrand":"visa"}`),
	}
}

func TestInvalidSignatureNeverMutates(t *testing.T) {
	p := pendingPurchase()
	store := newEngineStore(p)
	e, sink, _ := newEngine(store)

	router := chi.NewRouter()
	router.Post("/v1/webhooks/{provider}", e.Handle)
	body := []byte(`{"orderNumber":"FTM-1700000000-DEADBEEF","status":"Approved","amount":460,"signature":"forged"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/webhooks/paytiko", bytes.NewReader(body)))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, purchase.StatusPending, p.Status)
	require.Empty(t, store.transitions)
	require.Empty(t, sink.topics())
}

func TestUnknownOrderAcked(t *testing.T) {
	store := newEngineStore()
	e, sink, _ := newEngine(store)

	res := gateway.VerifyResult{Valid: true, OrderNumber: "FTM-9-GHOST", Status: gateway.StatusCompleted}
	require.NoError(t, e.Process(context.Background(), "paytiko", res))
	require.Empty(t, store.transitions)
	require.Empty(t, sink.topics())
}

func TestLegacyIDFallback(t *testing.T) {
	p := pendingPurchase()
	store := newEngineStore(p)
	e, _, _ := newEngine(store)

	res := completedResult(p)
	res.OrderNumber = "FTM-UNKNOWN-ALIAS"
	require.NoError(t, e.Process(context.Background(), "paytiko", res))
	require.Equal(t, purchase.StatusCompleted, p.Status)
}

func TestCompletedTransitionDispatchesOnce(t *testing.T) {
	p := pendingPurchase()
	store := newEngineStore(p)
	e, sink, settler := newEngine(store)

	res := completedResult(p)
	require.NoError(t, e.Process(context.Background(), "paytiko", res))
	require.Equal(t, purchase.StatusCompleted, p.Status)
	require.Equal(t, "visa", p.PaymentMethod)
	require.Equal(t, "tx-991", p.TransactionID)
	require.Equal(t, []string{events.TopicPurchaseCompleted}, sink.topics())
	require.Len(t, settler.usages, 1)
	require.Equal(t, p.OrderNumber, settler.usages[0].OrderNumber)

	rec, ok := p.Metadata.GatewayRecord("paytiko")
	require.True(t, ok)
	require.Equal(t, "Approved", rec["status"])
	require.NotEmpty(t, rec["processedAt"])
	payload, ok := rec["payload"].(json.RawMessage)
	require.True(t, ok, "gateway record must carry the full vendor payload")
	require.JSONEq(t, `{"status":"Approved","cardBrand":"visa"}`, string(payload))

	// Redelivery of the same terminal status refreshes metadata only.
	require.NoError(t, e.Process(context.Background(), "paytiko", res))
	require.Equal(t, purchase.StatusCompleted, p.Status)
	require.Equal(t, []string{events.TopicPurchaseCompleted}, sink.topics())
	require.Len(t, settler.usages, 1)
}

func TestSettlementRecordsDiscountBreakdown(t *testing.T) {
	p := pendingPurchase()
	p.Metadata.FreezeDiscount(500, 100)
	p.Metadata[purchase.MetaUserRef] = "trader-77"
	store := newEngineStore(p)
	e, _, settler := newEngine(store)

	require.NoError(t, e.Process(context.Background(), "paytiko", completedResult(p)))
	require.Len(t, settler.usages, 1)
	usage := settler.usages[0]
	require.EqualValues(t, 500, usage.OriginalPrice)
	require.EqualValues(t, 100, usage.DiscountAmount)
	require.EqualValues(t, 400, usage.FinalPrice)
	require.Equal(t, "trader-77", usage.UserRef)
	require.Equal(t, "ada@example.com", usage.Email)
}

func TestSettlementWithoutFrozenBreakdown(t *testing.T) {
	p := pendingPurchase()
	store := newEngineStore(p)
	e, _, settler := newEngine(store)

	require.NoError(t, e.Process(context.Background(), "paytiko", completedResult(p)))
	require.Len(t, settler.usages, 1)
	require.EqualValues(t, 400, settler.usages[0].OriginalPrice)
	require.EqualValues(t, 0, settler.usages[0].DiscountAmount)
	require.EqualValues(t, 400, settler.usages[0].FinalPrice)
}

func TestTerminalStateNeverRegresses(t *testing.T) {
	p := pendingPurchase()
	p.Status = purchase.StatusRefunded
	store := newEngineStore(p)
	e, sink, _ := newEngine(store)

	require.NoError(t, e.Process(context.Background(), "paytiko", completedResult(p)))
	require.Equal(t, purchase.StatusRefunded, p.Status)
	require.Empty(t, store.transitions)
	require.Empty(t, sink.topics())
}

func TestCompletedToRefunded(t *testing.T) {
	p := pendingPurchase()
	p.Status = purchase.StatusCompleted
	store := newEngineStore(p)
	e, sink, settler := newEngine(store)

	res := completedResult(p)
	res.Status = gateway.StatusRefunded
	res.RawStatus = "refunded"
	require.NoError(t, e.Process(context.Background(), "paytiko", res))
	require.Equal(t, purchase.StatusRefunded, p.Status)
	require.Equal(t, []string{events.TopicPurchaseRefunded}, sink.topics())
	require.Empty(t, settler.usages)
}

func TestSecondProviderKeepsEarlierGatewayRecord(t *testing.T) {
	p := pendingPurchase()
	store := newEngineStore(p)
	e, _, _ := newEngine(store)

	require.NoError(t, e.Process(context.Background(), "paytiko", completedResult(p)))

	res := completedResult(p)
	res.Status = gateway.StatusRefunded
	res.RawStatus = "refunded"
	require.NoError(t, e.Process(context.Background(), "confirmo", res))

	require.Equal(t, purchase.StatusRefunded, p.Status)
	_, ok := p.Metadata.GatewayRecord("paytiko")
	require.True(t, ok, "the refund delivery must not erase the earlier provider's record")
	_, ok = p.Metadata.GatewayRecord("confirmo")
	require.True(t, ok)
}

func TestUnmappedStatusIsNoOp(t *testing.T) {
	p := pendingPurchase()
	store := newEngineStore(p)
	e, sink, _ := newEngine(store)

	res := completedResult(p)
	res.Status = ""
	res.RawStatus = "UnderReview"
	require.NoError(t, e.Process(context.Background(), "paytiko", res))
	require.Equal(t, purchase.StatusPending, p.Status)
	require.Empty(t, store.transitions)
	require.Empty(t, sink.topics())
}

func TestPriceDriftCorrected(t *testing.T) {
	p := pendingPurchase()
	p.Metadata[purchase.MetaTotalPrice] = int64(500)
	store := newEngineStore(p)
	e, _, _ := newEngine(store)

	require.NoError(t, e.Process(context.Background(), "paytiko", completedResult(p)))

	total, ok := p.Metadata.MirroredAmount(purchase.MetaTotalPrice)
	require.True(t, ok)
	require.EqualValues(t, 460, total, "mirror must be rewritten from the root value")
	require.Equal(t, "webhook:paytiko", p.Metadata[purchase.MetaCorrectedBy])
	require.NotEmpty(t, p.Metadata[purchase.MetaCorrectedAt])
	require.GreaterOrEqual(t, store.metaSaves, 1)
}

func TestOneUnitDriftTolerated(t *testing.T) {
	p := pendingPurchase()
	p.Metadata[purchase.MetaTotalPrice] = int64(459)
	store := newEngineStore(p)
	e, _, _ := newEngine(store)

	require.NoError(t, e.Process(context.Background(), "paytiko", completedResult(p)))
	require.NotContains(t, p.Metadata, purchase.MetaCorrectedBy)
}

func TestReplayGuardSuppressesDuplicateBody(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	p := pendingPurchase()
	store := newEngineStore(p)
	e, sink, _ := newEngine(store)
	e.Replay = lock.Guard{R: client}
	e.ReplayTTL = time.Minute

	secret := "secret"
	e.Providers = map[string]gateway.Provider{"paytiko": gateway.Paytiko{MerchantSecret: secret}}

	body := signedPaytikoBody(p.OrderNumber, "Approved", "460", secret)
	router := chi.NewRouter()
	router.Post("/v1/webhooks/{provider}", e.Handle)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/webhooks/paytiko", bytes.NewReader(body)))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Len(t, store.transitions, 1, "duplicate byte payload must not be reprocessed")
	require.Equal(t, []string{events.TopicPurchaseCompleted}, sink.topics())
}

func signedPaytikoBody(orderNumber, status, amount, secret string) []byte {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(orderNumber))
	mac.Write([]byte(status))
	mac.Write([]byte(amount))
	mac.Write([]byte(secret))
	sig := hex.EncodeToString(mac.Sum(nil))
	return []byte(fmt.Sprintf(`{"orderNumber":%q,"status":%q,"amount":%s,"signature":%q}`, orderNumber, status, amount, sig))
}
