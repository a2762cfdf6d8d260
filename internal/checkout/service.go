package checkout

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/addon"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/coupon"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/dispatch"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/events"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/money"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/purchase"
)

// QuoteInput is an anonymous-capable pricing request. No purchase is created
// and no usage is consumed; coupons are validated with the relaxed anonymous
// rules when no email is supplied.
type QuoteInput struct {
	ProductCode string      `json:"productCode"`
	ProgramName string      `json:"programName"`
	Category    string      `json:"category"`
	AccountSize string      `json:"accountSize"`
	Currency    string      `json:"currency"`
	Email       string      `json:"email"`
	CouponCode  *string     `json:"couponCode"`
	AddOnIDs    []uuid.UUID `json:"addOnIds"`
}

// AddOnLine reports one add-on loading inside a quote.
type AddOnLine struct {
	ID      uuid.UUID       `json:"id"`
	Name    string          `json:"name"`
	Percent decimal.Decimal `json:"percent"`
	Amount  money.Amount    `json:"amount"`
}

// QuoteOutput is the full price breakdown for the storefront.
type QuoteOutput struct {
	ProgramID      uuid.UUID    `json:"programId"`
	ProgramName    string       `json:"programName"`
	AccountSize    string       `json:"accountSize"`
	Currency       string       `json:"currency"`
	BasePrice      money.Amount `json:"basePrice"`
	DiscountAmount money.Amount `json:"discountAmount"`
	PurchasePrice  money.Amount `json:"purchasePrice"`
	AddOns         []AddOnLine  `json:"addOns"`
	TotalPrice     money.Amount `json:"totalPrice"`
	CouponCode     string       `json:"couponCode,omitempty"`
}

// Service prices quotes and drives purchase creation/edits for the
// storefront. Settlement is out of its hands entirely.
type Service struct {
	Resolver  purchase.Resolver
	AddOns    purchase.AddOnSource
	Coupons   *coupon.Service
	Purchases *purchase.Service
	Events    *events.Bus
	Logger    zerolog.Logger
}

// Quote prices a program with optional coupon and add-ons without touching
// any state.
func (s *Service) Quote(ctx context.Context, in QuoteInput) (QuoteOutput, error) {
	if s == nil || s.Coupons == nil {
		return QuoteOutput{}, errors.New("checkout service not configured")
	}
	program, err := s.Resolver.Resolve(ctx, purchase.ResolveInput{
		ProductCode: in.ProductCode,
		ProgramName: in.ProgramName,
		Category:    in.Category,
		AccountSize: in.AccountSize,
	})
	if err != nil {
		return QuoteOutput{}, err
	}

	out := QuoteOutput{
		ProgramID:   program.ID,
		ProgramName: program.Name,
		AccountSize: firstNonEmpty(in.AccountSize, program.AccountSize),
		Currency:    string(program.Currency),
		BasePrice:   program.Price,
	}
	out.PurchasePrice = program.Price

	if in.CouponCode != nil && strings.TrimSpace(*in.CouponCode) != "" {
		base := program.Price
		res, err := s.Coupons.Validate(ctx, coupon.Request{
			Code:        *in.CouponCode,
			Email:       in.Email,
			ProgramID:   program.ID,
			AccountSize: out.AccountSize,
			OrderAmount: &base,
		})
		if err != nil {
			return QuoteOutput{}, err
		}
		out.CouponCode = res.Coupon.Code
		out.DiscountAmount = res.Discount.DiscountAmount
		out.PurchasePrice = res.Discount.FinalPrice
	}

	lines, err := s.quoteAddOns(ctx, program.ID, in.AddOnIDs, out.PurchasePrice)
	if err != nil {
		return QuoteOutput{}, err
	}
	out.AddOns = lines

	// The total loads the summed percentage in one rounding step, exactly as
	// checkout prices it. Per-line amounts are display only and can add up to
	// slightly more than the charged total.
	snapshots := make([]addon.Selected, 0, len(lines))
	for _, line := range lines {
		snapshots = append(snapshots, addon.Selected{ID: line.ID, Name: line.Name, Percent: line.Percent})
	}
	out.TotalPrice = addon.Apply(out.PurchasePrice, snapshots)
	return out, nil
}

// Create initiates a pending purchase and announces it on the bus.
func (s *Service) Create(ctx context.Context, in purchase.CreateInput) (purchase.Purchase, error) {
	if s == nil || s.Purchases == nil {
		return purchase.Purchase{}, errors.New("checkout service not configured")
	}
	p, err := s.Purchases.Create(ctx, in)
	if err != nil {
		return purchase.Purchase{}, err
	}
	if s.Events != nil {
		export := dispatch.NewOrderExport(p, p.CreatedAt)
		if _, err := s.Events.Emit(ctx, events.TopicPurchaseCreated, p.OrderNumber, export); err != nil {
			s.Logger.Error().Err(err).Str("order_number", p.OrderNumber).Msg("purchase_created_dispatch_incomplete")
		}
	}
	return p, nil
}

// Edit forwards a pre-payment mutation to the purchase service.
func (s *Service) Edit(ctx context.Context, orderNumber string, edit purchase.Edit) (purchase.Purchase, error) {
	if s == nil || s.Purchases == nil {
		return purchase.Purchase{}, errors.New("checkout service not configured")
	}
	return s.Purchases.ApplyEdit(ctx, orderNumber, edit)
}

func (s *Service) quoteAddOns(ctx context.Context, programID uuid.UUID, ids []uuid.UUID, base money.Amount) ([]AddOnLine, error) {
	if len(ids) == 0 || s.AddOns == nil {
		return nil, nil
	}
	available, err := s.AddOns.GetAddOnsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]addon.AddOn, len(available))
	for _, a := range available {
		byID[a.ID] = a
	}
	lines := make([]AddOnLine, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok || !a.EligibleFor(programID) {
			continue
		}
		lines = append(lines, AddOnLine{
			ID:      a.ID,
			Name:    a.Name,
			Percent: a.Percent,
			Amount:  money.Percent(base, a.Percent),
		})
	}
	return lines, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
