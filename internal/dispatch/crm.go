package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/events"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/resilience"
)

// CRM upserts the customer contact and records a purchase activity on every
// settlement outcome. Contact updates are keyed on email so replays overwrite
// rather than duplicate.
type CRM struct {
	Endpoint string
	APIKey   string
	Client   resilience.HTTPClient
	Logger   zerolog.Logger
}

func (c *CRM) Name() string { return "crm" }

func (c *CRM) Notify(ctx context.Context, event events.Event) error {
	var export OrderExport
	if err := json.Unmarshal(event.Payload, &export); err != nil {
		return fmt.Errorf("crm: decode export: %w", err)
	}
	if strings.TrimSpace(export.CustomerEmail) == "" {
		return nil
	}

	body := struct {
		Email       string `json:"email"`
		Name        string `json:"name"`
		Event       string `json:"event"`
		OrderNumber string `json:"orderNumber"`
		Program     string `json:"program"`
		AccountSize string `json:"accountSize"`
		Amount      int64  `json:"amount"`
		Currency    string `json:"currency"`
	}{
		Email:       export.CustomerEmail,
		Name:        export.CustomerName,
		Event:       event.Topic,
		OrderNumber: export.OrderNumber,
		Program:     export.ProgramName,
		AccountSize: export.AccountSize,
		Amount:      int64(export.TotalPrice),
		Currency:    export.Currency,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.Client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("crm: upsert contact %s: %w", export.CustomerEmail, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("crm: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	c.Logger.Debug().Str("order_number", export.OrderNumber).Str("topic", event.Topic).Msg("crm_contact_updated")
	return nil
}
