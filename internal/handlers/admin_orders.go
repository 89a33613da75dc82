package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/platform/textutil"
	"github.com/hanko-field/orders/internal/services"
)

// AdminOrderHandlers exposes staff operations on any order.
type AdminOrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	idempotency func(http.Handler) http.Handler
}

// AdminOption customises AdminOrderHandlers.
type AdminOption func(*AdminOrderHandlers)

// WithAdminIdempotency guards payment operations with the supplied middleware.
func WithAdminIdempotency(mw func(http.Handler) http.Handler) AdminOption {
	return func(h *AdminOrderHandlers) {
		h.idempotency = mw
	}
}

func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...AdminOption) *AdminOrderHandlers {
	h := &AdminOrderHandlers{authn: authn, orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	guarded := r.With(passthrough(h.idempotency))

	r.Post("/drafts", h.createDraft)
	r.Get("/{orderID}", h.getOrder)
	r.Put("/{orderID}/customer", h.setDraftCustomer)
	r.Post("/{orderID}/lines", h.addLine)
	r.Post("/{orderID}/surcharges", h.addSurcharge)
	r.Delete("/{orderID}/surcharges/{surchargeID}", h.removeSurcharge)
	r.Post("/{orderID}/transition", h.transition)
	r.Post("/{orderID}:cancel", h.cancel)
	guarded.Post("/{orderID}/payments", h.addPayment)
	guarded.Post("/{orderID}/payments/{paymentID}:settle", h.settlePayment)
	guarded.Post("/{orderID}/payments/{paymentID}:refund", h.refundPayment)
	r.Post("/{orderID}/fulfillments", h.addFulfillment)
	r.Post("/{orderID}/fulfillments/{fulfillmentID}:transition", h.transitionFulfillment)
}

func adminContext(r *http.Request) services.RequestContext {
	rc := services.RequestContext{
		ChannelID: requestctx.ChannelID(r.Context()),
		Admin:     true,
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
		rc.UserID = identity.UID
	}
	return rc
}

func orderIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "orderID"))
}

func (h *AdminOrderHandlers) run(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error)) {
	orderID := orderIDParam(r)
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.BadRequest("order id is required"))
		return
	}
	result, err := op(r.Context(), adminContext(r), orderID)
	writeOrderResult(r.Context(), w, result, "", err)
}

func (h *AdminOrderHandlers) createDraft(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.CreateDraftOrder(r.Context(), adminContext(r))
	if err != nil {
		writeOrderError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, orderResultResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.FindOne(r.Context(), orderIDParam(r))
	writeOrder(r.Context(), w, order, err)
}

type draftCustomerRequest struct {
	CustomerID string           `json:"customer_id"`
	Customer   *customerRequest `json:"customer"`
}

func (h *AdminOrderHandlers) setDraftCustomer(w http.ResponseWriter, r *http.Request) {
	var req draftCustomerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	input := services.DraftCustomerInput{CustomerID: strings.TrimSpace(req.CustomerID)}
	if req.Customer != nil {
		customer := req.Customer.toInput()
		input.Customer = &customer
	}
	h.run(w, r, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.SetCustomerForDraftOrder(ctx, rc, orderID, input)
	})
}

func (h *AdminOrderHandlers) addLine(w http.ResponseWriter, r *http.Request) {
	var req addLineRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.AddItemToOrder(ctx, rc, orderID, services.AddItemInput{
			ProductVariantID: strings.TrimSpace(req.ProductVariantID),
			Quantity:         req.Quantity,
			CustomFields:     req.CustomFields,
		})
	})
}

type surchargeRequest struct {
	Description          string `json:"description"`
	SKU                  string `json:"sku"`
	ListPrice            int64  `json:"list_price"`
	ListPriceIncludesTax bool   `json:"list_price_includes_tax"`
	TaxRate              string `json:"tax_rate"`
}

func (h *AdminOrderHandlers) addSurcharge(w http.ResponseWriter, r *http.Request) {
	var req surchargeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rate := decimal.Zero
	if raw := strings.TrimSpace(req.TaxRate); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			httpx.WriteError(r.Context(), w, httpx.BadRequest("tax_rate must be a decimal percentage"))
			return
		}
		rate = parsed
	}
	input := services.SurchargeInput{
		Description:          strings.TrimSpace(req.Description),
		SKU:                  strings.TrimSpace(req.SKU),
		ListPrice:            req.ListPrice,
		ListPriceIncludesTax: req.ListPriceIncludesTax,
		TaxRate:              rate,
	}
	h.run(w, r, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.AddSurchargeToOrder(ctx, rc, orderID, input)
	})
}

func (h *AdminOrderHandlers) removeSurcharge(w http.ResponseWriter, r *http.Request) {
	surchargeID := strings.TrimSpace(chi.URLParam(r, "surchargeID"))
	h.run(w, r, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.RemoveSurchargeFromOrder(ctx, rc, orderID, surchargeID)
	})
}

func (h *AdminOrderHandlers) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.TransitionOrderToState(ctx, rc, orderID, domain.OrderState(strings.TrimSpace(req.State)))
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminOrderHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.CancelOrder(ctx, rc, orderID, strings.TrimSpace(req.Reason))
	})
}

func (h *AdminOrderHandlers) addPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.AddPaymentToOrder(ctx, rc, orderID, req.toInput())
	})
}

func (h *AdminOrderHandlers) settlePayment(w http.ResponseWriter, r *http.Request) {
	paymentID := strings.TrimSpace(chi.URLParam(r, "paymentID"))
	h.run(w, r, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.SettlePayment(ctx, rc, orderID, paymentID)
	})
}

type refundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *AdminOrderHandlers) refundPayment(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	input := services.RefundInput{
		PaymentID: strings.TrimSpace(chi.URLParam(r, "paymentID")),
		Amount:    req.Amount,
		Reason:    strings.TrimSpace(req.Reason),
	}
	h.run(w, r, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.RefundPayment(ctx, rc, orderID, input)
	})
}

type fulfillmentRequest struct {
	Lines []struct {
		OrderLineID string `json:"order_line_id"`
		Quantity    int    `json:"quantity"`
	} `json:"lines"`
	Handler string            `json:"handler"`
	Args    map[string]string `json:"args"`
}

func (h *AdminOrderHandlers) addFulfillment(w http.ResponseWriter, r *http.Request) {
	var req fulfillmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	input := services.FulfillmentInput{
		Handler: strings.TrimSpace(req.Handler),
		Args:    textutil.CompactStringMap(req.Args),
		Lines:   make([]domain.FulfillmentLine, 0, len(req.Lines)),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, domain.FulfillmentLine{OrderLineID: strings.TrimSpace(line.OrderLineID), Quantity: line.Quantity})
	}
	h.run(w, r, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.AddFulfillmentToOrder(ctx, rc, orderID, input)
	})
}

func (h *AdminOrderHandlers) transitionFulfillment(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	fulfillmentID := strings.TrimSpace(chi.URLParam(r, "fulfillmentID"))
	h.run(w, r, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.TransitionFulfillmentToState(ctx, rc, orderID, fulfillmentID, domain.FulfillmentState(strings.TrimSpace(req.State)))
	})
}
