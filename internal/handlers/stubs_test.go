package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/repositories"
	"github.com/hanko-field/orders/internal/services"
)

// stubOrderService overrides only the operations a test needs; anything else panics.
type stubOrderService struct {
	services.OrderService

	activeFn     func(ctx context.Context, rc services.RequestContext, create bool) (services.ActiveOrder, error)
	addItemFn    func(ctx context.Context, rc services.RequestContext, orderID string, input services.AddItemInput) (services.OrderResult, error)
	adjustFn     func(ctx context.Context, rc services.RequestContext, orderID string, input services.AdjustLineInput) (services.OrderResult, error)
	couponFn     func(ctx context.Context, rc services.RequestContext, orderID, code string) (services.OrderResult, error)
	historyFn    func(ctx context.Context, customerID string, filter repositories.OrderListFilter) ([]domain.Order, error)
	byCodeFn     func(ctx context.Context, rc services.RequestContext, code string) (domain.Order, error)
	draftFn      func(ctx context.Context, rc services.RequestContext) (domain.Order, error)
	surchargeFn  func(ctx context.Context, rc services.RequestContext, orderID string, input services.SurchargeInput) (services.OrderResult, error)
	refundFn     func(ctx context.Context, rc services.RequestContext, orderID string, input services.RefundInput) (services.OrderResult, error)
	cancelFn     func(ctx context.Context, rc services.RequestContext, orderID, reason string) (services.OrderResult, error)
	fulfillFn    func(ctx context.Context, rc services.RequestContext, orderID string, input services.FulfillmentInput) (services.OrderResult, error)
	transitionFn func(ctx context.Context, rc services.RequestContext, orderID string, state domain.OrderState) (services.OrderResult, error)
}

func (s *stubOrderService) ActiveOrder(ctx context.Context, rc services.RequestContext, create bool) (services.ActiveOrder, error) {
	return s.activeFn(ctx, rc, create)
}

func (s *stubOrderService) AddItemToOrder(ctx context.Context, rc services.RequestContext, orderID string, input services.AddItemInput) (services.OrderResult, error) {
	return s.addItemFn(ctx, rc, orderID, input)
}

func (s *stubOrderService) AdjustOrderLine(ctx context.Context, rc services.RequestContext, orderID string, input services.AdjustLineInput) (services.OrderResult, error) {
	return s.adjustFn(ctx, rc, orderID, input)
}

func (s *stubOrderService) ApplyCouponCode(ctx context.Context, rc services.RequestContext, orderID, code string) (services.OrderResult, error) {
	return s.couponFn(ctx, rc, orderID, code)
}

func (s *stubOrderService) FindByCustomerID(ctx context.Context, customerID string, filter repositories.OrderListFilter) ([]domain.Order, error) {
	return s.historyFn(ctx, customerID, filter)
}

func (s *stubOrderService) FindByCode(ctx context.Context, rc services.RequestContext, code string) (domain.Order, error) {
	return s.byCodeFn(ctx, rc, code)
}

func (s *stubOrderService) CreateDraftOrder(ctx context.Context, rc services.RequestContext) (domain.Order, error) {
	return s.draftFn(ctx, rc)
}

func (s *stubOrderService) AddSurchargeToOrder(ctx context.Context, rc services.RequestContext, orderID string, input services.SurchargeInput) (services.OrderResult, error) {
	return s.surchargeFn(ctx, rc, orderID, input)
}

func (s *stubOrderService) RefundPayment(ctx context.Context, rc services.RequestContext, orderID string, input services.RefundInput) (services.OrderResult, error) {
	return s.refundFn(ctx, rc, orderID, input)
}

func (s *stubOrderService) CancelOrder(ctx context.Context, rc services.RequestContext, orderID, reason string) (services.OrderResult, error) {
	return s.cancelFn(ctx, rc, orderID, reason)
}

func (s *stubOrderService) AddFulfillmentToOrder(ctx context.Context, rc services.RequestContext, orderID string, input services.FulfillmentInput) (services.OrderResult, error) {
	return s.fulfillFn(ctx, rc, orderID, input)
}

func (s *stubOrderService) TransitionOrderToState(ctx context.Context, rc services.RequestContext, orderID string, state domain.OrderState) (services.OrderResult, error) {
	return s.transitionFn(ctx, rc, orderID, state)
}

type stubCustomers struct {
	byUser map[string]domain.Customer
}

func (s stubCustomers) FindByUserID(_ context.Context, userID string) (domain.Customer, error) {
	if customer, ok := s.byUser[userID]; ok {
		return customer, nil
	}
	return domain.Customer{}, repositories.NewNotFoundError("customers.findByUser", "customer not found")
}

type stubVerifier struct {
	tokens map[string]*firebaseauth.Token
}

func (s stubVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	if token, ok := s.tokens[idToken]; ok {
		return token, nil
	}
	return nil, auth.ErrTokenInvalid
}

func newTestAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(stubVerifier{tokens: map[string]*firebaseauth.Token{
		"shopper-token": {UID: "user-1", Claims: map[string]interface{}{}},
		"staff-token":   {UID: "staff-1", Claims: map[string]interface{}{"role": "staff"}},
	}})
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func errorCodeOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	decodeResponse(t, rr, &body)
	code, _ := body["error"].(string)
	return code
}
