package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/events"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/resilience"
)

// CreditGuard wins at most one claim per key within the TTL, protecting the
// affiliate ledger from double crediting on webhook redelivery.
type CreditGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Affiliate credits commissions to the affiliate ledger when a purchase
// completes. Crediting is idempotent per (order, affiliate): a redelivered
// completion for the same order never produces a second ledger entry.
type Affiliate struct {
	Endpoint string
	APIKey   string
	Client   resilience.HTTPClient
	Guard    CreditGuard
	GuardTTL time.Duration
	Logger   zerolog.Logger
}

func (a *Affiliate) Name() string { return "affiliate" }

// Notify records the commission for completed purchases with an affiliate.
func (a *Affiliate) Notify(ctx context.Context, event events.Event) error {
	if event.Topic != events.TopicPurchaseCompleted {
		return nil
	}
	var export OrderExport
	if err := json.Unmarshal(event.Payload, &export); err != nil {
		return fmt.Errorf("affiliate: decode export: %w", err)
	}
	if strings.TrimSpace(export.AffiliateUsername) == "" {
		return nil
	}

	key := fmt.Sprintf("affiliate:%s:%s", export.OrderNumber, strings.ToLower(export.AffiliateUsername))
	if a.Guard != nil {
		won, err := a.Guard.Acquire(ctx, key, a.guardTTL())
		if err != nil {
			return fmt.Errorf("affiliate: claim %s: %w", key, err)
		}
		if !won {
			a.Logger.Debug().Str("order_number", export.OrderNumber).Msg("affiliate_credit_already_recorded")
			return nil
		}
	}

	if err := a.credit(ctx, export); err != nil {
		// Give redelivery a chance to credit the ledger.
		if a.Guard != nil {
			_ = a.Guard.Release(ctx, key)
		}
		return fmt.Errorf("affiliate: credit %s: %w", export.OrderNumber, err)
	}
	a.Logger.Info().
		Str("order_number", export.OrderNumber).
		Str("affiliate", export.AffiliateUsername).
		Msg("affiliate_commission_recorded")
	return nil
}

func (a *Affiliate) credit(ctx context.Context, export OrderExport) error {
	body := struct {
		OrderNumber string `json:"orderNumber"`
		Affiliate   string `json:"affiliate"`
		Amount      int64  `json:"amount"`
		Currency    string `json:"currency"`
		Program     string `json:"program"`
		Email       string `json:"customerEmail"`
	}{
		OrderNumber: export.OrderNumber,
		Affiliate:   export.AffiliateUsername,
		Amount:      int64(export.TotalPrice),
		Currency:    export.Currency,
		Program:     export.ProgramName,
		Email:       export.CustomerEmail,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)

	resp, err := a.Client.Do(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func (a *Affiliate) guardTTL() time.Duration {
	if a.GuardTTL > 0 {
		return a.GuardTTL
	}
	return 30 * 24 * time.Hour
}
