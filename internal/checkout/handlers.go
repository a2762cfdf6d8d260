package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/common"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/coupon"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/money"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/purchase"
)

// OrderReader exposes the storefront's read access to purchases.
type OrderReader interface {
	GetPurchaseByOrderNumber(ctx context.Context, orderNumber string) (purchase.Purchase, error)
}

// Handler wires the checkout endpoints.
type Handler struct {
	Svc    *Service
	Orders OrderReader
}

type orderView struct {
	OrderNumber   string       `json:"orderNumber"`
	Status        string       `json:"status"`
	ProgramName   string       `json:"programName"`
	AccountSize   string       `json:"accountSize"`
	Platform      string       `json:"platform"`
	PurchasePrice money.Amount `json:"purchasePrice"`
	TotalPrice    money.Amount `json:"totalPrice"`
	Currency      string       `json:"currency"`
	DiscountCode  *string      `json:"discountCode,omitempty"`
	PaymentMethod string       `json:"paymentMethod,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func toOrderView(p purchase.Purchase) orderView {
	return orderView{
		OrderNumber:   p.OrderNumber,
		Status:        string(p.Status),
		ProgramName:   p.ProgramName,
		AccountSize:   p.AccountSize,
		Platform:      p.Platform,
		PurchasePrice: p.PurchasePrice,
		TotalPrice:    p.TotalPrice,
		Currency:      string(p.Currency),
		DiscountCode:  p.DiscountCode,
		PaymentMethod: p.PaymentMethod,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// Quote handles POST /v1/quote.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	var in QuoteInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	out, err := h.Svc.Quote(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}

// Checkout handles POST /v1/checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	var in purchase.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	p, err := h.Svc.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": toOrderView(p)})
}

// Edit handles PATCH /v1/checkout/{orderNumber}.
func (h *Handler) Edit(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	orderNumber := chi.URLParam(r, "orderNumber")
	var edit purchase.Edit
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	p, err := h.Svc.Edit(r.Context(), orderNumber, edit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": toOrderView(p)})
}

// GetOrder handles GET /v1/orders/{orderNumber}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	if h.Orders == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order store not configured", nil)
		return
	}
	p, err := h.Orders.GetPurchaseByOrderNumber(r.Context(), chi.URLParam(r, "orderNumber"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": toOrderView(p)})
}

// writeError maps domain sentinels onto HTTP status codes so the storefront
// can show a specific reason for every validation failure.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unknown error", nil)
	case errors.Is(err, coupon.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "COUPON_NOT_FOUND", "coupon not found", nil)
	case errors.Is(err, coupon.ErrExpired):
		common.JSONError(w, http.StatusUnprocessableEntity, "COUPON_EXPIRED", "coupon expired", nil)
	case errors.Is(err, coupon.ErrNotYetActive):
		common.JSONError(w, http.StatusUnprocessableEntity, "COUPON_NOT_ACTIVE", "coupon not yet active", nil)
	case errors.Is(err, coupon.ErrDisabled):
		common.JSONError(w, http.StatusUnprocessableEntity, "COUPON_DISABLED", "coupon disabled", nil)
	case errors.Is(err, coupon.ErrNotEligible):
		common.JSONError(w, http.StatusForbidden, "COUPON_NOT_ELIGIBLE", "coupon not available for this user", nil)
	case errors.Is(err, coupon.ErrUsageLimitReached):
		common.JSONError(w, http.StatusUnprocessableEntity, "COUPON_USAGE_LIMIT", "coupon usage limit reached", nil)
	case errors.Is(err, coupon.ErrPerUserLimitReached):
		common.JSONError(w, http.StatusUnprocessableEntity, "COUPON_USER_LIMIT", "coupon already used by this customer", nil)
	case errors.Is(err, purchase.ErrUnresolvableProgram):
		common.JSONError(w, http.StatusUnprocessableEntity, "PROGRAM_UNRESOLVABLE", "no matching program", nil)
	case errors.Is(err, purchase.ErrNotPending):
		common.JSONError(w, http.StatusConflict, "ORDER_NOT_PENDING", "purchase already left the pending state", nil)
	case errors.Is(err, pgx.ErrNoRows):
		common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
	default:
		var appErr *common.AppError
		if errors.As(err, &appErr) {
			status := appErr.HTTPStatus
			if status == 0 {
				status = http.StatusBadRequest
			}
			code := appErr.Code
			if code == "" {
				code = "BAD_REQUEST"
			}
			common.JSONError(w, status, code, appErr.Message, appErr.Details)
			return
		}
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	}
}
