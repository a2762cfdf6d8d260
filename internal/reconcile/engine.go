package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/common"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/coupon"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/dispatch"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/events"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/gateway"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/money"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/obs"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/purchase"
)

// priceDriftTolerance is the unit gap between root prices and their metadata
// mirrors above which the mirror is rewritten.
const priceDriftTolerance money.Amount = 1

// TransitionParams is the conditional status update applied per webhook. The
// store must only apply it while the row still holds the From status and
// report whether a row was touched.
type TransitionParams struct {
	OrderNumber   string
	From          purchase.Status
	To            purchase.Status
	PaymentMethod string
	TransactionID string
	Metadata      purchase.Metadata
}

// Store is the persistence boundary of the reconciliation engine.
type Store interface {
	GetPurchaseByOrderNumber(ctx context.Context, orderNumber string) (purchase.Purchase, error)
	GetPurchaseByLegacyID(ctx context.Context, legacyID int64) (purchase.Purchase, error)
	SaveMetadata(ctx context.Context, orderNumber string, meta purchase.Metadata) error
	ApplyTransition(ctx context.Context, arg TransitionParams) (applied bool, err error)
}

// ReplayGuard suppresses byte-identical webhook redeliveries. The guard is an
// optimisation: the conditional transition keeps redeliveries harmless even
// when the guard is unavailable.
type ReplayGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// CouponSettler records coupon usage when a purchase settles.
type CouponSettler interface {
	RecordUsage(ctx context.Context, usage coupon.Usage) error
}

// Engine turns inbound, possibly duplicated gateway notifications into
// idempotent purchase transitions plus isolated downstream effects.
type Engine struct {
	Store     Store
	Providers map[string]gateway.Provider
	Replay    ReplayGuard
	ReplayTTL time.Duration
	Coupons   CouponSettler
	Lines     LineItemResolver
	Bus       *events.Bus
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Handle processes webhook callbacks for the configured payment providers.
// Signature verification happens before any lookup; once the notification is
// authenticated the engine acknowledges success unless persistence itself
// fails, so the gateway only retries work that can still change state.
func (e *Engine) Handle(w http.ResponseWriter, r *http.Request) {
	if e == nil || e.Store == nil || e.Providers == nil {
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	providerKey := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	provider, ok := e.Providers[providerKey]
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	result, err := provider.VerifyWebhook(r, body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}
	if !result.Valid {
		e.count(providerKey, "invalid_signature")
		e.Logger.Warn().
			Str("provider", providerKey).
			AnErr("verify_error", result.Err).
			Msg("webhook_signature_rejected")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}

	ctx := r.Context()
	if e.Replay != nil && e.ReplayTTL > 0 {
		key := fmt.Sprintf("wh:%s:%s", providerKey, common.Sha256Hex(string(body)))
		fresh, err := e.Replay.Acquire(ctx, key, e.ReplayTTL)
		if err != nil {
			// Guard down: fall through, the conditional transition still
			// keeps the redelivery harmless.
			e.Logger.Warn().Err(err).Str("provider", providerKey).Msg("replay_guard_unavailable")
		} else if !fresh {
			e.count(providerKey, "replay")
			e.ack(w)
			return
		}
	}

	if err := e.Process(ctx, providerKey, result); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "RECONCILE_ERROR", err.Error(), nil)
		return
	}
	e.ack(w)
}

// Process runs steps locate through dispatch for an authenticated
// notification. The returned error covers persistence failures only; every
// business outcome, including unknown orders and unmapped statuses, results
// in a nil error so the caller acknowledges the gateway.
func (e *Engine) Process(ctx context.Context, providerKey string, result gateway.VerifyResult) error {
	ctx, span := otel.Tracer("reconcile.Engine").Start(ctx, "Engine.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway.provider", providerKey),
		attribute.String("order.number", result.OrderNumber),
		attribute.String("gateway.status", result.Status),
	)

	p, found, err := e.locate(ctx, result)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !found {
		e.count(providerKey, "unknown_order")
		e.Logger.Warn().
			Str("provider", providerKey).
			Str("order_number", result.OrderNumber).
			Int64("legacy_id", result.LegacyID).
			Msg("webhook_for_unknown_order")
		return nil
	}

	if err := e.correctPriceDrift(ctx, &p, providerKey); err != nil {
		span.RecordError(err)
		return err
	}

	target, mapped := MapStatus(result.Status)
	if !mapped {
		e.count(providerKey, "noop_status")
		e.Logger.Info().
			Str("provider", providerKey).
			Str("order_number", p.OrderNumber).
			Str("vendor_status", result.RawStatus).
			Msg("webhook_status_not_actionable")
		return nil
	}

	if p.Metadata == nil {
		p.Metadata = purchase.Metadata{}
	}
	record := map[string]any{
		"status":      result.RawStatus,
		"amount":      int64(result.Amount),
		"currency":    result.Currency,
		"processedAt": e.now().UTC().Format(time.RFC3339),
	}
	if result.TransactionID != "" {
		record["transactionId"] = result.TransactionID
	}
	if result.DeclineReason != "" {
		record["declineReason"] = result.DeclineReason
	}
	if len(result.Payload) > 0 {
		record["payload"] = json.RawMessage(result.Payload)
	}
	p.Metadata.RecordGateway(providerKey, record)

	if p.Status == target {
		// Redelivered terminal status: refresh the gateway record, never
		// re-fire side effects.
		if err := e.Store.SaveMetadata(ctx, p.OrderNumber, p.Metadata); err != nil {
			return err
		}
		e.count(providerKey, "duplicate")
		return nil
	}
	if !p.Status.CanTransition(target) {
		e.count(providerKey, "ignored_transition")
		e.Logger.Warn().
			Str("provider", providerKey).
			Str("order_number", p.OrderNumber).
			Str("from", string(p.Status)).
			Str("to", string(target)).
			Msg("webhook_transition_rejected")
		return nil
	}

	applied, err := e.Store.ApplyTransition(ctx, TransitionParams{
		OrderNumber:   p.OrderNumber,
		From:          p.Status,
		To:            target,
		PaymentMethod: result.PaymentMethod,
		TransactionID: result.TransactionID,
		Metadata:      p.Metadata,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !applied {
		// Lost the race against a concurrent delivery; whoever won already
		// dispatched the side effects.
		e.count(providerKey, "lost_race")
		return nil
	}
	e.count(providerKey, "transitioned")
	from := p.Status
	p.Status = target
	p.PaymentMethod = result.PaymentMethod
	p.TransactionID = result.TransactionID
	e.Logger.Info().
		Str("provider", providerKey).
		Str("order_number", p.OrderNumber).
		Str("from", string(from)).
		Str("to", string(target)).
		Int64("amount", int64(result.Amount)).
		Msg("purchase_transitioned")

	if target == purchase.StatusCompleted {
		e.settleCoupon(ctx, p)
	}
	e.dispatchSideEffects(ctx, p, target)
	return nil
}

func (e *Engine) locate(ctx context.Context, result gateway.VerifyResult) (purchase.Purchase, bool, error) {
	p, err := e.Store.GetPurchaseByOrderNumber(ctx, result.OrderNumber)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return purchase.Purchase{}, false, err
	}
	if result.LegacyID > 0 {
		p, err = e.Store.GetPurchaseByLegacyID(ctx, result.LegacyID)
		if err == nil {
			return p, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return purchase.Purchase{}, false, err
		}
	}
	return purchase.Purchase{}, false, nil
}

// correctPriceDrift rewrites the metadata price mirrors from the root fields
// when they disagree beyond the tolerance. Root columns are authoritative;
// the mirrors are diagnostic only, so the correction is self-healing rather
// than an error.
func (e *Engine) correctPriceDrift(ctx context.Context, p *purchase.Purchase, providerKey string) error {
	if p.Metadata == nil {
		p.Metadata = purchase.Metadata{}
	}
	drifted := false
	if mirrored, ok := p.Metadata.MirroredAmount(purchase.MetaTotalPrice); ok {
		if !money.WithinTolerance(p.TotalPrice, mirrored, priceDriftTolerance) {
			drifted = true
		}
	}
	if mirrored, ok := p.Metadata.MirroredAmount(purchase.MetaOriginalPrice); ok {
		if !money.WithinTolerance(p.OriginalPrice(), mirrored, priceDriftTolerance) {
			drifted = true
		}
	}
	if !drifted {
		return nil
	}
	p.Metadata.MirrorPrices(p.TotalPrice, p.OriginalPrice())
	p.Metadata[purchase.MetaCorrectedAt] = e.now().UTC().Format(time.RFC3339)
	p.Metadata[purchase.MetaCorrectedBy] = "webhook:" + providerKey
	if obs.PriceDriftCorrections != nil {
		obs.PriceDriftCorrections.Inc()
	}
	e.Logger.Warn().
		Str("order_number", p.OrderNumber).
		Str("provider", providerKey).
		Int64("total_price", int64(p.TotalPrice)).
		Int64("purchase_price", int64(p.OriginalPrice())).
		Msg("price_mirror_corrected")
	return e.Store.SaveMetadata(ctx, p.OrderNumber, p.Metadata)
}

// settleCoupon records the redeemed coupon against the order. Validity is a
// quote/redemption concern; settlement never re-checks caps or windows.
func (e *Engine) settleCoupon(ctx context.Context, p purchase.Purchase) {
	if e.Coupons == nil || p.CouponID == nil {
		return
	}
	listPrice, discountAmount := p.Metadata.DiscountBreakdown(p.PurchasePrice)
	userRef, _ := p.Metadata[purchase.MetaUserRef].(string)
	usage := coupon.Usage{
		CouponID:       *p.CouponID,
		UserRef:        userRef,
		Email:          p.CustomerEmail,
		ProgramID:      p.ProgramID,
		AccountSize:    p.AccountSize,
		OriginalPrice:  listPrice,
		DiscountAmount: discountAmount,
		FinalPrice:     p.PurchasePrice,
		OrderNumber:    p.OrderNumber,
	}
	if err := e.Coupons.RecordUsage(ctx, usage); err != nil {
		e.Logger.Error().Err(err).
			Str("order_number", p.OrderNumber).
			Str("coupon_id", p.CouponID.String()).
			Msg("coupon_settlement_failed")
	}
}

// dispatchSideEffects emits the domain event feeding the commerce mirror,
// affiliate ledger and CRM/analytics trackers. Failures are logged by the bus
// and never escalate into the webhook response.
func (e *Engine) dispatchSideEffects(ctx context.Context, p purchase.Purchase, target purchase.Status) {
	if e.Bus == nil {
		return
	}
	var topic string
	switch target {
	case purchase.StatusCompleted:
		topic = events.TopicPurchaseCompleted
	case purchase.StatusFailed:
		topic = events.TopicPurchaseFailed
	case purchase.StatusRefunded:
		topic = events.TopicPurchaseRefunded
	default:
		return
	}
	export := dispatch.NewOrderExport(p, e.now())
	details := e.Lines.Resolve(ctx, p)
	if details.ProductID != "" && len(export.LineItems) > 0 {
		export.LineItems[0].ProductID = details.ProductID
		export.LineItems[0].VariationID = details.VariationID
	}
	if _, err := e.Bus.Emit(ctx, topic, p.OrderNumber, export); err != nil {
		e.Logger.Error().Err(err).
			Str("order_number", p.OrderNumber).
			Str("topic", topic).
			Msg("side_effect_dispatch_incomplete")
	}
}

func (e *Engine) count(provider, result string) {
	if obs.GatewayWebhookTotal != nil {
		obs.GatewayWebhookTotal.WithLabelValues(provider, result).Inc()
	}
}

func (e *Engine) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (e *Engine) now() time.Time {
	if e != nil && e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
