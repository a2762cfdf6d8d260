package purchase

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/addon"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/money"
)

// Status is the settlement state of a purchase. pending is the only
// non-terminal state for pricing purposes.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Terminal reports whether price mutation is permitted from this state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// CanTransition encodes the state machine: pending may move to any terminal
// state; completed may still move to refunded through the refund flow; no
// other transition exists, and a terminal state never regresses.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return false
	}
	switch s {
	case StatusPending:
		return to.Terminal()
	case StatusCompleted:
		return to == StatusRefunded
	}
	return false
}

// ParseStatus normalises a stored status string.
func ParseStatus(value string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(value))); s {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded:
		return s, nil
	default:
		return "", fmt.Errorf("purchase: unknown status %q", value)
	}
}

// Type distinguishes the three order kinds sold by the platform.
type Type string

const (
	TypeOriginal   Type = "original-order"
	TypeReset      Type = "reset-order"
	TypeActivation Type = "activation-order"
)

// ParseType normalises a purchase type string.
func ParseType(value string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(value))); t {
	case TypeOriginal, TypeReset, TypeActivation:
		return t, nil
	case "":
		return TypeOriginal, nil
	default:
		return "", fmt.Errorf("purchase: unknown purchase type %q", value)
	}
}

// Metadata is the free-form bag attached to a purchase. It mirrors select
// root price fields for gateway-specific bookkeeping; the root fields stay
// authoritative and the mirror is diagnostic only.
type Metadata map[string]any

// Metadata keys. Gateway payloads are namespaced under "gateway.<provider>"
// sub-objects rather than flattened, so a later webhook never clobbers the
// record of an earlier one from a different provider.
const (
	MetaTotalPrice     = "totalPrice"
	MetaOriginalPrice  = "originalPrice"
	MetaListPrice      = "listPrice"
	MetaDiscountAmount = "discountAmount"
	MetaUserRef        = "userRef"
	MetaProductID      = "productId"
	MetaVariationID    = "variationId"
	MetaCorrectedAt    = "priceCorrectedAt"
	MetaCorrectedBy    = "priceCorrectedBy"
	MetaGatewayRecords = "gateway"
)

// MirrorPrices writes the price mirror keys from the root values.
func (m Metadata) MirrorPrices(totalPrice, originalPrice money.Amount) {
	m[MetaTotalPrice] = totalPrice
	m[MetaOriginalPrice] = originalPrice
}

// MirroredAmount reads a mirrored price, tolerating the numeric types JSON
// round-trips produce.
func (m Metadata) MirroredAmount(key string) (money.Amount, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case money.Amount:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// FreezeDiscount records the pre-coupon list price and the discount taken
// against it. Settlement reads these back to persist the exact breakdown the
// customer was quoted, independent of later coupon definition changes.
func (m Metadata) FreezeDiscount(listPrice, discountAmount money.Amount) {
	m[MetaListPrice] = listPrice
	m[MetaDiscountAmount] = discountAmount
}

// ClearDiscount drops the frozen breakdown after a coupon is removed.
func (m Metadata) ClearDiscount() {
	delete(m, MetaListPrice)
	delete(m, MetaDiscountAmount)
}

// DiscountBreakdown returns the frozen list price and discount, falling back
// to the given final price with a zero discount when nothing was frozen.
func (m Metadata) DiscountBreakdown(finalPrice money.Amount) (listPrice, discountAmount money.Amount) {
	listPrice, ok := m.MirroredAmount(MetaListPrice)
	if !ok {
		return finalPrice, 0
	}
	if d, ok := m.MirroredAmount(MetaDiscountAmount); ok {
		return listPrice, d
	}
	return listPrice, listPrice - finalPrice
}

// RecordGateway appends a namespaced record of a gateway callback.
func (m Metadata) RecordGateway(provider string, record map[string]any) {
	records, _ := m[MetaGatewayRecords].(map[string]any)
	if records == nil {
		records = map[string]any{}
	}
	records[provider] = record
	m[MetaGatewayRecords] = records
}

// GatewayRecord returns the stored callback record for a provider, if any.
func (m Metadata) GatewayRecord(provider string) (map[string]any, bool) {
	records, _ := m[MetaGatewayRecords].(map[string]any)
	if records == nil {
		return nil, false
	}
	rec, ok := records[provider].(map[string]any)
	return rec, ok
}

// FrozenProductIDs returns external identifiers frozen at order creation.
func (m Metadata) FrozenProductIDs() (productID, variationID string, ok bool) {
	productID, _ = m[MetaProductID].(string)
	variationID, _ = m[MetaVariationID].(string)
	return productID, variationID, productID != ""
}

// Purchase is the order-of-record aggregate. Created once at checkout
// initiation; mutated only by pre-payment edits from the active checkout
// session and by the reconciliation engine afterwards.
type Purchase struct {
	OrderNumber       string
	LegacyID          int64
	PurchaseType      Type
	ProgramID         uuid.UUID
	ProgramName       string
	AccountSize       string
	Platform          string
	PurchasePrice     money.Amount
	TotalPrice        money.Amount
	Currency          money.Currency
	Status            Status
	CustomerName      string
	CustomerEmail     string
	AddOns            []addon.Selected
	DiscountCode      *string
	CouponID          *uuid.UUID
	AffiliateUsername *string
	PaymentMethod     string
	TransactionID     string
	Metadata          Metadata
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OriginalPrice is the coupon-adjusted pre-add-on base the mirrors track.
func (p Purchase) OriginalPrice() money.Amount { return p.PurchasePrice }
