package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/repositories"
	"github.com/hanko-field/orders/internal/services"
)

const (
	sessionHeader    = requestctx.SessionHeader
	orderTokenHeader = "X-Order-Token"
	channelHeader    = requestctx.ChannelHeader
)

// CustomerLookup maps a signed-in user to their customer record.
type CustomerLookup interface {
	FindByUserID(ctx context.Context, userID string) (domain.Customer, error)
}

// ShopOrderHandlers serves the shopper's active order.
type ShopOrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	customers   CustomerLookup
	idempotency func(http.Handler) http.Handler
	lookups     rateLimiter
}

// ShopOption customises ShopOrderHandlers.
type ShopOption func(*ShopOrderHandlers)

// WithShopIdempotency guards payment submission with the supplied middleware.
func WithShopIdempotency(mw func(http.Handler) http.Handler) ShopOption {
	return func(h *ShopOrderHandlers) {
		h.idempotency = mw
	}
}

// WithLookupLimit throttles coupon attempts and order code lookups to limit calls per window per caller.
func WithLookupLimit(limit int, window time.Duration) ShopOption {
	return func(h *ShopOrderHandlers) {
		h.lookups = newSimpleRateLimiter(limit, window, nil)
	}
}

func NewShopOrderHandlers(authn *auth.Authenticator, orders services.OrderService, customers CustomerLookup, opts ...ShopOption) *ShopOrderHandlers {
	h := &ShopOrderHandlers{authn: authn, orders: orders, customers: customers}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /shop/order endpoints.
func (h *ShopOrderHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	r.Use(sessionContext)

	guarded := r.With(passthrough(h.idempotency))
	limited := r.With(limitRequests(h.lookups))

	r.Get("/", h.getActiveOrder)
	r.Post("/lines", h.addLine)
	r.Patch("/lines/{lineID}", h.adjustLine)
	r.Delete("/lines/{lineID}", h.removeLine)
	r.Delete("/lines", h.removeAllLines)
	r.Put("/customer", h.setCustomer)
	r.Put("/shipping-address", h.setShippingAddress)
	r.Put("/billing-address", h.setBillingAddress)
	r.Put("/shipping-method", h.setShippingMethod)
	limited.Post("/coupons", h.applyCoupon)
	r.Delete("/coupons/{code}", h.removeCoupon)
	r.Post("/transition", h.transition)
	guarded.Post("/payments", h.addPayment)
	limited.Get("/by-code/{code}", h.findByCode)
	r.Get("/history", h.history)
}

// sessionContext records the shopper session header for downstream middleware and logging.
func sessionContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if session := strings.TrimSpace(r.Header.Get(sessionHeader)); session != "" {
			ctx = requestctx.WithSessionID(ctx, session)
		}
		if channel := strings.TrimSpace(r.Header.Get(channelHeader)); channel != "" {
			ctx = requestctx.WithChannelID(ctx, channel)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func passthrough(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}

func (h *ShopOrderHandlers) requestContext(r *http.Request) (services.RequestContext, error) {
	ctx := r.Context()
	rc := services.RequestContext{
		ChannelID:  requestctx.ChannelID(ctx),
		SessionID:  requestctx.SessionID(ctx),
		OrderToken: strings.TrimSpace(r.Header.Get(orderTokenHeader)),
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || identity.UID == "" {
		return rc, nil
	}
	rc.UserID = identity.UID
	if h.customers == nil {
		return rc, nil
	}
	customer, err := h.customers.FindByUserID(ctx, identity.UID)
	switch {
	case err == nil:
		rc.CustomerID = customer.ID
	case !repositories.IsNotFound(err):
		return rc, err
	}
	return rc, nil
}

// activeOrder resolves the caller's active order, creating it when create is set.
func (h *ShopOrderHandlers) activeOrder(w http.ResponseWriter, r *http.Request, create bool) (services.RequestContext, services.ActiveOrder, bool) {
	ctx := r.Context()
	rc, err := h.requestContext(r)
	if err != nil {
		writeOrderError(ctx, w, err)
		return rc, services.ActiveOrder{}, false
	}
	active, err := h.orders.ActiveOrder(ctx, rc, create)
	if err != nil {
		writeOrderError(ctx, w, err)
		return rc, services.ActiveOrder{}, false
	}
	if !active.Found && !create {
		httpx.WriteError(ctx, w, httpx.NewError("no_active_order", "no active order for this session", http.StatusNotFound))
		return rc, services.ActiveOrder{}, false
	}
	return rc, active, true
}

// mutate runs op against the active order and renders the result.
func (h *ShopOrderHandlers) mutate(w http.ResponseWriter, r *http.Request, create bool, op func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error)) {
	rc, active, ok := h.activeOrder(w, r, create)
	if !ok {
		return
	}
	result, err := op(r.Context(), rc, active.Order.ID)
	writeOrderResult(r.Context(), w, result, issuedToken(rc, active), err)
}

func issuedToken(rc services.RequestContext, active services.ActiveOrder) string {
	if active.Token == "" || active.Token == rc.OrderToken {
		return ""
	}
	return active.Token
}

func (h *ShopOrderHandlers) getActiveOrder(w http.ResponseWriter, r *http.Request) {
	rc, active, ok := h.activeOrder(w, r, false)
	if !ok {
		return
	}
	writeOrderResult(r.Context(), w, services.OrderResult{Order: active.Order}, issuedToken(rc, active), nil)
}

type addLineRequest struct {
	ProductVariantID string         `json:"product_variant_id"`
	Quantity         int            `json:"quantity"`
	CustomFields     map[string]any `json:"custom_fields"`
}

func (h *ShopOrderHandlers) addLine(w http.ResponseWriter, r *http.Request) {
	var req addLineRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.mutate(w, r, true, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.AddItemToOrder(ctx, rc, orderID, services.AddItemInput{
			ProductVariantID: strings.TrimSpace(req.ProductVariantID),
			Quantity:         req.Quantity,
			CustomFields:     req.CustomFields,
		})
	})
}

type adjustLineRequest struct {
	Quantity     int             `json:"quantity"`
	CustomFields *map[string]any `json:"custom_fields"`
}

func (h *ShopOrderHandlers) adjustLine(w http.ResponseWriter, r *http.Request) {
	var req adjustLineRequest
	if !decodeBody(w, r, &req) {
		return
	}
	input := services.AdjustLineInput{
		OrderLineID: strings.TrimSpace(chi.URLParam(r, "lineID")),
		Quantity:    req.Quantity,
	}
	if req.CustomFields != nil {
		input.CustomFields = *req.CustomFields
		if input.CustomFields == nil {
			input.CustomFields = map[string]any{}
		}
	}
	h.mutate(w, r, false, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.AdjustOrderLine(ctx, rc, orderID, input)
	})
}

func (h *ShopOrderHandlers) removeLine(w http.ResponseWriter, r *http.Request) {
	lineID := strings.TrimSpace(chi.URLParam(r, "lineID"))
	h.mutate(w, r, false, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.RemoveOrderLine(ctx, rc, orderID, lineID)
	})
}

func (h *ShopOrderHandlers) removeAllLines(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, false, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.RemoveAllOrderLines(ctx, rc, orderID)
	})
}

type customerRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

func (c customerRequest) toInput() services.CustomerInput {
	return services.CustomerInput{
		Email:     strings.TrimSpace(c.Email),
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Phone:     c.Phone,
	}
}

func (h *ShopOrderHandlers) setCustomer(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.mutate(w, r, false, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.SetCustomerForOrder(ctx, rc, orderID, req.toInput())
	})
}

func (h *ShopOrderHandlers) setShippingAddress(w http.ResponseWriter, r *http.Request) {
	var req addressPayload
	if !decodeBody(w, r, &req) {
		return
	}
	h.mutate(w, r, false, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.SetOrderShippingAddress(ctx, rc, orderID, req.toDomain())
	})
}

func (h *ShopOrderHandlers) setBillingAddress(w http.ResponseWriter, r *http.Request) {
	var req addressPayload
	if !decodeBody(w, r, &req) {
		return
	}
	h.mutate(w, r, false, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.SetOrderBillingAddress(ctx, rc, orderID, req.toDomain())
	})
}

type shippingMethodRequest struct {
	ShippingMethodIDs []string `json:"shipping_method_ids"`
}

func (h *ShopOrderHandlers) setShippingMethod(w http.ResponseWriter, r *http.Request) {
	var req shippingMethodRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.mutate(w, r, false, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.SetOrderShippingMethod(ctx, rc, orderID, req.ShippingMethodIDs)
	})
}

type couponRequest struct {
	Code string `json:"code"`
}

func (h *ShopOrderHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.mutate(w, r, false, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.ApplyCouponCode(ctx, rc, orderID, req.Code)
	})
}

func (h *ShopOrderHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	h.mutate(w, r, false, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.RemoveCouponCode(ctx, rc, orderID, code)
	})
}

type transitionRequest struct {
	State string `json:"state"`
}

func (h *ShopOrderHandlers) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.mutate(w, r, false, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.TransitionOrderToState(ctx, rc, orderID, domain.OrderState(strings.TrimSpace(req.State)))
	})
}

type paymentRequest struct {
	Method   string         `json:"method"`
	Args     map[string]any `json:"args"`
	Metadata map[string]any `json:"metadata"`
}

func (p paymentRequest) toInput() services.PaymentInput {
	return services.PaymentInput{Method: strings.TrimSpace(p.Method), Args: p.Args, Metadata: p.Metadata}
}

func (h *ShopOrderHandlers) addPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.mutate(w, r, false, func(ctx context.Context, rc services.RequestContext, orderID string) (services.OrderResult, error) {
		return h.orders.AddPaymentToOrder(ctx, rc, orderID, req.toInput())
	})
}

func (h *ShopOrderHandlers) findByCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc, err := h.requestContext(r)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	order, err := h.orders.FindByCode(ctx, rc, chi.URLParam(r, "code"))
	writeOrder(ctx, w, order, err)
}

func (h *ShopOrderHandlers) history(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc, err := h.requestContext(r)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if rc.CustomerID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "sign in to view order history", http.StatusUnauthorized))
		return
	}
	params, err := pagination.Parse(r.URL.Query(), pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest(err.Error()))
		return
	}
	filter := repositories.OrderListFilter{Limit: params.PageSize}
	for _, state := range r.URL.Query()["state"] {
		if state = strings.TrimSpace(state); state != "" {
			filter.States = append(filter.States, domain.OrderState(state))
		}
	}
	if params.Cursor != nil {
		filter.StartAfter = &repositories.OrderCursor{CreatedAt: params.Cursor.CreatedAt, OrderID: params.Cursor.ID}
	}

	orders, err := h.orders.FindByCustomerID(ctx, rc.CustomerID, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	resp := orderHistoryResponse{Items: make([]orderSummaryEntry, 0, len(orders))}
	for _, order := range orders {
		resp.Items = append(resp.Items, buildOrderSummary(order))
	}
	if len(orders) == params.PageSize {
		last := orders[len(orders)-1]
		if token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}); err == nil {
			resp.NextPageToken = token
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.WriteError(r.Context(), w, httpx.BadRequest(err.Error()))
		return false
	}
	return true
}
