package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/money"
)

// Confirmo implements the Provider interface for the crypto gateway.
// Notifications are authenticated with an HMAC of the raw body carried in the
// bp-signature header.
type Confirmo struct {
	CallbackPassword string
}

func (c Confirmo) Name() string { return "confirmo" }

// VerifyWebhook validates the callback signature and normalises the payload.
// The order number travels in the invoice reference; the settled amount in
// the invoice currency lives under invoice.amount.
func (c Confirmo) VerifyWebhook(r *http.Request, body []byte) (VerifyResult, error) {
	expected := c.computeSignature(body)
	provided := strings.TrimSpace(r.Header.Get("bp-signature"))
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return VerifyResult{Valid: false, Err: errors.New("invalid signature")}, nil
	}

	var payload struct {
		ID        string `json:"id"`
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Invoice   struct {
			Amount       json.Number `json:"amount"`
			CurrencyFrom string      `json:"currencyFrom"`
		} `json:"invoice"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return VerifyResult{Valid: false, Err: err}, nil
	}

	orderNumber := strings.TrimSpace(payload.Reference)
	if orderNumber == "" {
		return VerifyResult{Valid: false, Err: errors.New("missing invoice reference")}, nil
	}

	amount, err := parseWebhookAmount(payload.Invoice.Amount)
	if err != nil {
		return VerifyResult{Valid: false, Err: err}, nil
	}

	return VerifyResult{
		Valid:         true,
		OrderNumber:   orderNumber,
		Status:        normaliseConfirmoStatus(payload.Status),
		RawStatus:     payload.Status,
		Amount:        amount,
		Currency:      strings.ToUpper(strings.TrimSpace(payload.Invoice.CurrencyFrom)),
		TransactionID: strings.TrimSpace(payload.ID),
		PaymentMethod: "crypto",
		Payload:       body,
	}, nil
}

func (c Confirmo) computeSignature(body []byte) string {
	key := strings.TrimSpace(c.CallbackPassword)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func normaliseConfirmoStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "confirmed", "done":
		return StatusCompleted
	case "prepared", "active", "confirming":
		return StatusPending
	case "expired", "error", "cancelled":
		return StatusFailed
	case "refunded":
		return StatusRefunded
	default:
		return ""
	}
}

func parseWebhookAmount(value json.Number) (money.Amount, error) {
	return money.ParseAmount(value.String())
}
