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

// Analytics forwards conversion events to the analytics collector. Events are
// fire and forget; the collector deduplicates on the order number.
type Analytics struct {
	Endpoint string
	WriteKey string
	Client   resilience.HTTPClient
	Logger   zerolog.Logger
}

func (a *Analytics) Name() string { return "analytics" }

func (a *Analytics) Notify(ctx context.Context, event events.Event) error {
	var export OrderExport
	if err := json.Unmarshal(event.Payload, &export); err != nil {
		return fmt.Errorf("analytics: decode export: %w", err)
	}

	body := struct {
		Type       string         `json:"type"`
		MessageID  string         `json:"messageId"`
		Timestamp  time.Time      `json:"timestamp"`
		UserID     string         `json:"userId"`
		Properties map[string]any `json:"properties"`
	}{
		Type:      "track",
		MessageID: fmt.Sprintf("%s:%s", event.Topic, export.OrderNumber),
		Timestamp: event.OccurredAt,
		UserID:    export.CustomerEmail,
		Properties: map[string]any{
			"event":       event.Topic,
			"orderNumber": export.OrderNumber,
			"program":     export.ProgramName,
			"accountSize": export.AccountSize,
			"platform":    export.Platform,
			"revenue":     int64(export.TotalPrice),
			"currency":    export.Currency,
			"coupon":      export.CouponCode,
		},
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
	req.SetBasicAuth(a.WriteKey, "")

	resp, err := a.Client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("analytics: track %s: %w", export.OrderNumber, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("analytics: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	a.Logger.Debug().Str("order_number", export.OrderNumber).Str("topic", event.Topic).Msg("analytics_event_tracked")
	return nil
}
