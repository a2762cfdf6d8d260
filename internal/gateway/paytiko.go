package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Paytiko implements the Provider interface for the card PSP. Notifications
// carry the signature inside the JSON body, computed over the order number,
// vendor status and amount with the merchant secret appended.
type Paytiko struct {
	MerchantSecret string
}

func (p Paytiko) Name() string { return "paytiko" }

// VerifyWebhook validates the Paytiko signature and normalises the payload.
func (p Paytiko) VerifyWebhook(_ *http.Request, body []byte) (VerifyResult, error) {
	var payload struct {
		OrderID         string      `json:"orderId"`
		OrderNumber     string      `json:"orderNumber"`
		Status          string      `json:"status"`
		Amount          json.Number `json:"amount"`
		Currency        string      `json:"currency"`
		TransactionID   string      `json:"transactionId"`
		PaymentMethod   string      `json:"paymentMethod"`
		DeclineReason   string      `json:"declineReason"`
		SignatureDigest string      `json:"signature"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return VerifyResult{Valid: false, Err: err}, nil
	}

	orderNumber := strings.TrimSpace(payload.OrderNumber)
	if orderNumber == "" {
		return VerifyResult{Valid: false, Err: errors.New("missing order number")}, nil
	}

	expected := p.computeSignature(orderNumber, payload.Status, payload.Amount.String())
	provided := strings.TrimSpace(payload.SignatureDigest)
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return VerifyResult{Valid: false, Err: errors.New("invalid signature")}, nil
	}

	amount, err := parseWebhookAmount(payload.Amount)
	if err != nil {
		return VerifyResult{Valid: false, Err: err}, nil
	}

	var legacyID int64
	if id := strings.TrimSpace(payload.OrderID); id != "" {
		legacyID, _ = strconv.ParseInt(id, 10, 64)
	}

	return VerifyResult{
		Valid:         true,
		OrderNumber:   orderNumber,
		LegacyID:      legacyID,
		Status:        normalisePaytikoStatus(payload.Status),
		RawStatus:     payload.Status,
		Amount:        amount,
		Currency:      strings.ToUpper(strings.TrimSpace(payload.Currency)),
		TransactionID: strings.TrimSpace(payload.TransactionID),
		PaymentMethod: strings.TrimSpace(payload.PaymentMethod),
		DeclineReason: strings.TrimSpace(payload.DeclineReason),
		Payload:       body,
	}, nil
}

func (p Paytiko) computeSignature(orderNumber, status, amount string) string {
	key := strings.TrimSpace(p.MerchantSecret)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha512.New, []byte(key))
	mac.Write([]byte(orderNumber))
	mac.Write([]byte(status))
	mac.Write([]byte(amount))
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

func normalisePaytikoStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "approved", "captured", "settled", "success":
		return StatusCompleted
	case "pending", "initiated", "processing":
		return StatusPending
	case "declined", "failed", "cancelled", "expired":
		return StatusFailed
	case "refunded", "chargeback":
		return StatusRefunded
	default:
		return ""
	}
}
