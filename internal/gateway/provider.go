package gateway

import (
	"net/http"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/money"
)

// Normalised payment statuses shared by all providers. An empty status means
// the vendor value has no mapping and the notification must be acknowledged
// without touching the purchase.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusRefunded  = "REFUNDED"
)

// VerifyResult contains the normalised data extracted from a webhook
// notification after signature verification.
type VerifyResult struct {
	Valid         bool
	OrderNumber   string
	LegacyID      int64
	Status        string
	RawStatus     string
	Amount        money.Amount
	Currency      string
	TransactionID string
	PaymentMethod string
	DeclineReason string
	Payload       []byte
	Err           error
}

// Provider abstracts an upstream payment gateway for webhook handling.
// VerifyWebhook must authenticate the notification before reading any of its
// business fields; an invalid signature yields Valid=false and an untouched
// result.
type Provider interface {
	Name() string
	VerifyWebhook(r *http.Request, body []byte) (VerifyResult, error)
}
