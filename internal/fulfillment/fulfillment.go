// Package fulfillment defines fulfillment handlers invoked when staff ship order lines.
package fulfillment

import (
	"context"
	"errors"
	"strings"

	domain "github.com/hanko-field/orders/internal/domain"
)

// Handler creates fulfillments with an external carrier or warehouse.
type Handler interface {
	Code() string
	CreateFulfillment(ctx context.Context, order domain.Order, lines []domain.FulfillmentLine, args map[string]string) (Result, error)
}

// TransitionChecker is optionally implemented by handlers that veto fulfillment transitions. A
// non-empty return value is the reason for the veto.
type TransitionChecker interface {
	OnFulfillmentTransition(ctx context.Context, order domain.Order, f domain.Fulfillment, from, to domain.FulfillmentState) (string, error)
}

// Result is returned by a successful CreateFulfillment call.
type Result struct {
	Method       string
	TrackingCode string
}

// Registry resolves handlers by code.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry registers the manual handler plus the given handlers.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: map[string]Handler{}}
	for _, h := range append([]Handler{ManualHandler{}}, handlers...) {
		r.handlers[h.Code()] = h
	}
	return r
}

// Lookup returns the handler registered under code.
func (r *Registry) Lookup(code string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[code]
	return h, ok
}

// ManualHandler records fulfillments performed outside the system. The method argument is required.
type ManualHandler struct{}

func (ManualHandler) Code() string { return "manual" }

func (ManualHandler) CreateFulfillment(_ context.Context, _ domain.Order, _ []domain.FulfillmentLine, args map[string]string) (Result, error) {
	method := strings.TrimSpace(args["method"])
	if method == "" {
		return Result{}, errors.New("fulfillment method is required")
	}
	return Result{Method: method, TrackingCode: strings.TrimSpace(args["trackingCode"])}, nil
}
