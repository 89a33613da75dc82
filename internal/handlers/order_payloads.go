package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/services"
)

type orderResultResponse struct {
	Order *orderPayload      `json:"order,omitempty"`
	Error *orderErrorPayload `json:"error,omitempty"`
	Token string             `json:"order_token,omitempty"`
}

type orderErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	QuantityAvailable int    `json:"quantity_available,omitempty"`
	MaxItems          int    `json:"max_items,omitempty"`
	FromState         string `json:"from_state,omitempty"`
	ToState           string `json:"to_state,omitempty"`
	TransitionError   string `json:"transition_error,omitempty"`
	PaymentMessage    string `json:"payment_message,omitempty"`
	CouponCode        string `json:"coupon_code,omitempty"`
}

type orderPayload struct {
	ID               string                `json:"id"`
	Code             string                `json:"code"`
	State            string                `json:"state"`
	Active           bool                  `json:"active"`
	ChannelID        string                `json:"channel_id"`
	CurrencyCode     string                `json:"currency_code"`
	PricesIncludeTax bool                  `json:"prices_include_tax"`
	CustomerID       string                `json:"customer_id,omitempty"`
	Customer         *customerPayload      `json:"customer,omitempty"`
	ShippingAddress  *addressPayload       `json:"shipping_address,omitempty"`
	BillingAddress   *addressPayload       `json:"billing_address,omitempty"`
	Lines            []orderLinePayload    `json:"lines"`
	ShippingLines    []shippingLinePayload `json:"shipping_lines,omitempty"`
	Surcharges       []surchargePayload    `json:"surcharges,omitempty"`
	Payments         []paymentPayload      `json:"payments,omitempty"`
	Fulfillments     []fulfillmentPayload  `json:"fulfillments,omitempty"`
	CouponCodes      []string              `json:"coupon_codes,omitempty"`
	Discounts        []discountPayload     `json:"discounts,omitempty"`
	TaxSummary       []taxSummaryPayload   `json:"tax_summary,omitempty"`
	SubTotal         int64                 `json:"sub_total"`
	SubTotalWithTax  int64                 `json:"sub_total_with_tax"`
	Shipping         int64                 `json:"shipping"`
	ShippingWithTax  int64                 `json:"shipping_with_tax"`
	Total            int64                 `json:"total"`
	TotalWithTax     int64                 `json:"total_with_tax"`
	TotalQuantity    int                   `json:"total_quantity"`
	CustomFields     map[string]any        `json:"custom_fields,omitempty"`
	PlacedAt         string                `json:"placed_at,omitempty"`
	CreatedAt        string                `json:"created_at"`
	UpdatedAt        string                `json:"updated_at,omitempty"`
}

type customerPayload struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type addressPayload struct {
	FullName    string `json:"full_name,omitempty"`
	Company     string `json:"company,omitempty"`
	StreetLine1 string `json:"street_line1"`
	StreetLine2 string `json:"street_line2,omitempty"`
	City        string `json:"city,omitempty"`
	Province    string `json:"province,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
	CountryCode string `json:"country_code"`
	Phone       string `json:"phone,omitempty"`
}

type orderLinePayload struct {
	ID                         string            `json:"id"`
	ProductVariantID           string            `json:"product_variant_id"`
	Quantity                   int               `json:"quantity"`
	UnitPrice                  int64             `json:"unit_price"`
	UnitPriceWithTax           int64             `json:"unit_price_with_tax"`
	UnitPriceChangeSinceAdded  int64             `json:"unit_price_change_since_added"`
	LinePrice                  int64             `json:"line_price"`
	LinePriceWithTax           int64             `json:"line_price_with_tax"`
	DiscountedLinePrice        int64             `json:"discounted_line_price"`
	DiscountedLinePriceWithTax int64             `json:"discounted_line_price_with_tax"`
	ProratedLinePrice          int64             `json:"prorated_line_price"`
	ProratedLinePriceWithTax   int64             `json:"prorated_line_price_with_tax"`
	TaxRate                    string            `json:"tax_rate"`
	Discounts                  []discountPayload `json:"discounts,omitempty"`
	CustomFields               map[string]any    `json:"custom_fields,omitempty"`
}

type shippingLinePayload struct {
	ID                     string `json:"id"`
	ShippingMethodID       string `json:"shipping_method_id"`
	Price                  int64  `json:"price"`
	PriceWithTax           int64  `json:"price_with_tax"`
	DiscountedPrice        int64  `json:"discounted_price"`
	DiscountedPriceWithTax int64  `json:"discounted_price_with_tax"`
}

type surchargePayload struct {
	ID           string `json:"id"`
	Description  string `json:"description"`
	SKU          string `json:"sku,omitempty"`
	Price        int64  `json:"price"`
	PriceWithTax int64  `json:"price_with_tax"`
	TaxRate      string `json:"tax_rate"`
}

type paymentPayload struct {
	ID            string          `json:"id"`
	Method        string          `json:"method"`
	Amount        int64           `json:"amount"`
	State         string          `json:"state"`
	TransactionID string          `json:"transaction_id,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Refunds       []refundPayload `json:"refunds,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

type refundPayload struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
	State  string `json:"state"`
}

type fulfillmentPayload struct {
	ID           string                   `json:"id"`
	State        string                   `json:"state"`
	Handler      string                   `json:"handler"`
	Method       string                   `json:"method,omitempty"`
	TrackingCode string                   `json:"tracking_code,omitempty"`
	Lines        []fulfillmentLinePayload `json:"lines"`
	CreatedAt    string                   `json:"created_at"`
}

type fulfillmentLinePayload struct {
	OrderLineID string `json:"order_line_id"`
	Quantity    int    `json:"quantity"`
}

type discountPayload struct {
	PromotionID   string `json:"promotion_id,omitempty"`
	Description   string `json:"description"`
	Type          string `json:"type"`
	Amount        int64  `json:"amount"`
	AmountWithTax int64  `json:"amount_with_tax"`
}

type taxSummaryPayload struct {
	Description string `json:"description"`
	TaxRate     string `json:"tax_rate"`
	TaxBase     int64  `json:"tax_base"`
	TaxTotal    int64  `json:"tax_total"`
}

type orderSummaryEntry struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	State        string `json:"state"`
	CurrencyCode string `json:"currency_code"`
	TotalWithTax int64  `json:"total_with_tax"`
	PlacedAt     string `json:"placed_at,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type orderHistoryResponse struct {
	Items         []orderSummaryEntry `json:"items"`
	NextPageToken string              `json:"next_page_token,omitempty"`
}

func buildOrderPayload(order domain.Order) *orderPayload {
	payload := &orderPayload{
		ID:               order.ID,
		Code:             order.Code,
		State:            string(order.State),
		Active:           order.Active,
		ChannelID:        order.ChannelID,
		CurrencyCode:     order.CurrencyCode,
		PricesIncludeTax: order.PricesIncludeTax,
		CustomerID:       order.CustomerID,
		Lines:            make([]orderLinePayload, 0, len(order.Lines)),
		CouponCodes:      append([]string(nil), order.CouponCodes...),
		SubTotal:         order.SubTotal,
		SubTotalWithTax:  order.SubTotalWithTax,
		Shipping:         order.Shipping,
		ShippingWithTax:  order.ShippingWithTax,
		Total:            order.Total,
		TotalWithTax:     order.TotalWithTax,
		TotalQuantity:    order.TotalQuantity(),
		CustomFields:     order.CustomFields,
		PlacedAt:         formatTimePtr(order.OrderPlacedAt),
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
		Discounts:        buildDiscounts(order.Discounts),
	}
	if c := order.Customer; c != nil {
		payload.Customer = &customerPayload{ID: c.ID, Email: c.Email, FirstName: c.FirstName, LastName: c.LastName, Phone: c.Phone}
	}
	payload.ShippingAddress = buildAddress(order.ShippingAddress)
	payload.BillingAddress = buildAddress(order.BillingAddress)

	for _, line := range order.Lines {
		payload.Lines = append(payload.Lines, orderLinePayload{
			ID:                         line.ID,
			ProductVariantID:           line.ProductVariantID,
			Quantity:                   line.Quantity,
			UnitPrice:                  line.UnitPrice,
			UnitPriceWithTax:           line.UnitPriceWithTax,
			UnitPriceChangeSinceAdded:  line.UnitPriceChangeSinceAdded(),
			LinePrice:                  line.LinePrice,
			LinePriceWithTax:           line.LinePriceWithTax,
			DiscountedLinePrice:        line.DiscountedLinePrice,
			DiscountedLinePriceWithTax: line.DiscountedLinePriceWithTax,
			ProratedLinePrice:          line.ProratedLinePrice,
			ProratedLinePriceWithTax:   line.ProratedLinePriceWithTax,
			TaxRate:                    line.TaxRateValue().String(),
			Discounts:                  buildDiscounts(line.Discounts),
			CustomFields:               line.CustomFields,
		})
	}
	for _, sl := range order.ShippingLines {
		payload.ShippingLines = append(payload.ShippingLines, shippingLinePayload{
			ID:                     sl.ID,
			ShippingMethodID:       sl.ShippingMethodID,
			Price:                  sl.Price,
			PriceWithTax:           sl.PriceWithTax,
			DiscountedPrice:        sl.DiscountedPrice,
			DiscountedPriceWithTax: sl.DiscountedPriceWithTax,
		})
	}
	for _, s := range order.Surcharges {
		payload.Surcharges = append(payload.Surcharges, surchargePayload{
			ID:           s.ID,
			Description:  s.Description,
			SKU:          s.SKU,
			Price:        s.Price,
			PriceWithTax: s.PriceWithTax,
			TaxRate:      s.TaxRate.String(),
		})
	}
	for _, p := range order.Payments {
		entry := paymentPayload{
			ID:            p.ID,
			Method:        p.Method,
			Amount:        p.Amount,
			State:         string(p.State),
			TransactionID: p.TransactionID,
			ErrorMessage:  p.ErrorMessage,
			Metadata:      p.Metadata,
			CreatedAt:     formatTime(p.CreatedAt),
		}
		for _, r := range p.Refunds {
			entry.Refunds = append(entry.Refunds, refundPayload{ID: r.ID, Amount: r.Amount, Reason: r.Reason, State: string(r.State)})
		}
		payload.Payments = append(payload.Payments, entry)
	}
	for _, f := range order.Fulfillments {
		entry := fulfillmentPayload{
			ID:           f.ID,
			State:        string(f.State),
			Handler:      f.HandlerCode,
			Method:       f.Method,
			TrackingCode: f.TrackingCode,
			Lines:        make([]fulfillmentLinePayload, 0, len(f.Lines)),
			CreatedAt:    formatTime(f.CreatedAt),
		}
		for _, fl := range f.Lines {
			entry.Lines = append(entry.Lines, fulfillmentLinePayload{OrderLineID: fl.OrderLineID, Quantity: fl.Quantity})
		}
		payload.Fulfillments = append(payload.Fulfillments, entry)
	}
	for _, ts := range order.TaxSummary {
		payload.TaxSummary = append(payload.TaxSummary, taxSummaryPayload{
			Description: ts.Description,
			TaxRate:     ts.TaxRate.String(),
			TaxBase:     ts.TaxBase,
			TaxTotal:    ts.TaxTotal,
		})
	}
	return payload
}

func buildOrderSummary(order domain.Order) orderSummaryEntry {
	return orderSummaryEntry{
		ID:           order.ID,
		Code:         order.Code,
		State:        string(order.State),
		CurrencyCode: order.CurrencyCode,
		TotalWithTax: order.TotalWithTax,
		PlacedAt:     formatTimePtr(order.OrderPlacedAt),
		CreatedAt:    formatTime(order.CreatedAt),
	}
}

func buildAddress(addr *domain.Address) *addressPayload {
	if addr == nil {
		return nil
	}
	return &addressPayload{
		FullName:    addr.FullName,
		Company:     addr.Company,
		StreetLine1: addr.StreetLine1,
		StreetLine2: addr.StreetLine2,
		City:        addr.City,
		Province:    addr.Province,
		PostalCode:  addr.PostalCode,
		CountryCode: addr.CountryCode,
		Phone:       addr.Phone,
	}
}

func (p addressPayload) toDomain() domain.Address {
	return domain.Address{
		FullName:    p.FullName,
		Company:     p.Company,
		StreetLine1: p.StreetLine1,
		StreetLine2: p.StreetLine2,
		City:        p.City,
		Province:    p.Province,
		PostalCode:  p.PostalCode,
		CountryCode: p.CountryCode,
		Phone:       p.Phone,
	}
}

func buildDiscounts(discounts []domain.Discount) []discountPayload {
	if len(discounts) == 0 {
		return nil
	}
	out := make([]discountPayload, 0, len(discounts))
	for _, d := range discounts {
		out = append(out, discountPayload{
			PromotionID:   d.PromotionID,
			Description:   d.Description,
			Type:          string(d.Type),
			Amount:        d.Amount,
			AmountWithTax: d.AmountWithTax,
		})
	}
	return out
}

func buildOrderError(err *services.OrderError) *orderErrorPayload {
	if err == nil {
		return nil
	}
	return &orderErrorPayload{
		Code:              string(err.Code),
		Message:           err.Message,
		QuantityAvailable: err.QuantityAvailable,
		MaxItems:          err.MaxItems,
		FromState:         err.FromState,
		ToState:           err.ToState,
		TransitionError:   err.TransitionError,
		PaymentMessage:    err.PaymentMessage,
		CouponCode:        err.CouponCode,
	}
}

// writeOrderResult renders a mutation outcome. Business errors are part of a 200 response; only
// fatal errors map to an HTTP error status.
func writeOrderResult(ctx context.Context, w http.ResponseWriter, result services.OrderResult, token string, err error) {
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	resp := orderResultResponse{Error: buildOrderError(result.Error), Token: token}
	if result.Order.ID != "" {
		resp.Order = buildOrderPayload(result.Order)
	}
	if token != "" {
		w.Header().Set(orderTokenHeader, token)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func writeOrder(ctx context.Context, w http.ResponseWriter, order domain.Order, err error) {
	writeOrderResult(ctx, w, services.OrderResult{Order: order}, "", err)
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderLineNotFound),
		errors.Is(err, services.ErrProductVariantNotFound),
		errors.Is(err, services.ErrShippingMethodNotFound),
		errors.Is(err, services.ErrPaymentNotFound),
		errors.Is(err, services.ErrFulfillmentNotFound):
		httpx.WriteError(ctx, w, httpx.NotFound(err.Error()))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("order_forbidden", "order not accessible", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently; retry", http.StatusConflict))
	default:
		requestctx.Logger(ctx).Error("order request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.Internal())
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
