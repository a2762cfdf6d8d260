package dispatch

import (
	"time"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/money"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/purchase"
)

// OrderExport is the wire representation of a settled purchase handed to
// downstream systems. It is embedded in domain event payloads so every
// dispatcher works from the same snapshot regardless of when it runs.
type OrderExport struct {
	OrderNumber       string       `json:"orderNumber"`
	LegacyID          int64        `json:"legacyId,omitempty"`
	PurchaseType      string       `json:"purchaseType"`
	Status            string       `json:"status"`
	ProgramName       string       `json:"programName"`
	AccountSize       string       `json:"accountSize"`
	Platform          string       `json:"platform"`
	Currency          string       `json:"currency"`
	PurchasePrice     money.Amount `json:"purchasePrice"`
	TotalPrice        money.Amount `json:"totalPrice"`
	CustomerName      string       `json:"customerName"`
	CustomerEmail     string       `json:"customerEmail"`
	AffiliateUsername string       `json:"affiliateUsername,omitempty"`
	CouponCode        string       `json:"couponCode,omitempty"`
	PaymentMethod     string       `json:"paymentMethod,omitempty"`
	TransactionID     string       `json:"transactionId,omitempty"`
	LineItems         []LineItem   `json:"lineItems"`
	Fees              []FeeLine    `json:"fees,omitempty"`
	Meta              []KV         `json:"meta,omitempty"`
	SettledAt         time.Time    `json:"settledAt"`
}

// LineItem mirrors one purchasable unit into the commerce platform.
type LineItem struct {
	ProductID   string       `json:"productId"`
	VariationID string       `json:"variationId,omitempty"`
	Name        string       `json:"name"`
	Quantity    int          `json:"quantity"`
	Total       money.Amount `json:"total"`
}

// FeeLine is an additional charge attached to the order, one per add-on.
type FeeLine struct {
	Name   string       `json:"name"`
	Amount money.Amount `json:"amount"`
}

// KV is an ordered metadata pair forwarded verbatim.
type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// NewOrderExport builds the export snapshot from a purchase. The single line
// item carries the frozen product/variation identifiers when present; callers
// that resolved a fresher mapping overwrite them before emitting.
func NewOrderExport(p purchase.Purchase, settledAt time.Time) OrderExport {
	export := OrderExport{
		OrderNumber:   p.OrderNumber,
		LegacyID:      p.LegacyID,
		PurchaseType:  string(p.PurchaseType),
		Status:        string(p.Status),
		ProgramName:   p.ProgramName,
		AccountSize:   p.AccountSize,
		Platform:      p.Platform,
		Currency:      string(p.Currency),
		PurchasePrice: p.PurchasePrice,
		TotalPrice:    p.TotalPrice,
		CustomerName:  p.CustomerName,
		CustomerEmail: p.CustomerEmail,
		PaymentMethod: p.PaymentMethod,
		TransactionID: p.TransactionID,
		SettledAt:     settledAt,
	}
	if p.AffiliateUsername != nil {
		export.AffiliateUsername = *p.AffiliateUsername
	}
	if p.DiscountCode != nil {
		export.CouponCode = *p.DiscountCode
	}

	line := LineItem{
		Name:     p.ProgramName,
		Quantity: 1,
		Total:    p.PurchasePrice,
	}
	if productID, variationID, ok := p.Metadata.FrozenProductIDs(); ok {
		line.ProductID = productID
		line.VariationID = variationID
	}
	export.LineItems = []LineItem{line}

	for _, a := range p.AddOns {
		export.Fees = append(export.Fees, FeeLine{
			Name:   a.Name,
			Amount: money.Percent(p.PurchasePrice, a.Percent),
		})
	}
	export.Meta = append(export.Meta,
		KV{Key: "accountSize", Value: p.AccountSize},
		KV{Key: "platform", Value: p.Platform},
	)
	return export
}
