package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/events"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/resilience"
)

// Commerce mirrors settled purchases into the external commerce platform.
// Completed purchases become orders, refunded purchases flip the mirrored
// order's status. The mirror is best effort: failures surface to the bus and
// are retried on webhook redelivery, never blocking settlement.
type Commerce struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Client         resilience.HTTPClient
	Logger         zerolog.Logger
}

func (c *Commerce) Name() string { return "commerce" }

// Notify exports the order snapshot carried in the event payload.
func (c *Commerce) Notify(ctx context.Context, event events.Event) error {
	var export OrderExport
	if err := json.Unmarshal(event.Payload, &export); err != nil {
		return fmt.Errorf("commerce: decode export: %w", err)
	}

	switch event.Topic {
	case events.TopicPurchaseCompleted:
		return c.createOrder(ctx, export)
	case events.TopicPurchaseRefunded:
		return c.refundOrder(ctx, export)
	default:
		return nil
	}
}

func (c *Commerce) createOrder(ctx context.Context, export OrderExport) error {
	type commerceLine struct {
		ProductID   string `json:"product_id"`
		VariationID string `json:"variation_id,omitempty"`
		Name        string `json:"name"`
		Quantity    int    `json:"quantity"`
		Total       string `json:"total"`
	}
	type commerceFee struct {
		Name  string `json:"name"`
		Total string `json:"total"`
	}
	type commerceMeta struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}

	body := struct {
		Status        string         `json:"status"`
		Currency      string         `json:"currency"`
		CustomerNote  string         `json:"customer_note,omitempty"`
		Billing       map[string]any `json:"billing"`
		LineItems     []commerceLine `json:"line_items"`
		FeeLines      []commerceFee  `json:"fee_lines,omitempty"`
		MetaData      []commerceMeta `json:"meta_data"`
		TransactionID string         `json:"transaction_id,omitempty"`
		PaymentMethod string         `json:"payment_method,omitempty"`
	}{
		Status:        "completed",
		Currency:      export.Currency,
		TransactionID: export.TransactionID,
		PaymentMethod: export.PaymentMethod,
		Billing: map[string]any{
			"first_name": export.CustomerName,
			"email":      export.CustomerEmail,
		},
	}
	for _, li := range export.LineItems {
		body.LineItems = append(body.LineItems, commerceLine{
			ProductID:   li.ProductID,
			VariationID: li.VariationID,
			Name:        li.Name,
			Quantity:    li.Quantity,
			Total:       fmt.Sprintf("%d", li.Total),
		})
	}
	for _, fee := range export.Fees {
		body.FeeLines = append(body.FeeLines, commerceFee{Name: fee.Name, Total: fmt.Sprintf("%d", fee.Amount)})
	}
	body.MetaData = append(body.MetaData, commerceMeta{Key: "order_number", Value: export.OrderNumber})
	for _, kv := range export.Meta {
		body.MetaData = append(body.MetaData, commerceMeta{Key: kv.Key, Value: kv.Value})
	}

	if err := c.post(ctx, "/orders", body); err != nil {
		return fmt.Errorf("commerce: create order %s: %w", export.OrderNumber, err)
	}
	c.Logger.Info().Str("order_number", export.OrderNumber).Msg("commerce_order_mirrored")
	return nil
}

func (c *Commerce) refundOrder(ctx context.Context, export OrderExport) error {
	body := map[string]any{
		"status":       "refunded",
		"order_number": export.OrderNumber,
	}
	if err := c.post(ctx, "/orders/refund", body); err != nil {
		return fmt.Errorf("commerce: refund order %s: %w", export.OrderNumber, err)
	}
	c.Logger.Info().Str("order_number", export.OrderNumber).Msg("commerce_order_refunded")
	return nil
}

func (c *Commerce) post(ctx context.Context, path string, payload any) error {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return errors.New("base url not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.ConsumerKey, c.ConsumerSecret)

	resp, err := c.Client.Do(ctx, req)
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
