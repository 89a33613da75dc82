package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/orders/internal/domain"
)

// ErrUnsupportedMethod is returned when no handler is registered for a payment method code.
var ErrUnsupportedMethod = errors.New("payments: unsupported payment method")

// CreatePaymentRequest is passed to Handler.CreatePayment.
type CreatePaymentRequest struct {
	Order    domain.Order
	Amount   int64
	Args     map[string]any
	Metadata map[string]any
}

// CreatePaymentResult is the outcome reported by a handler. A Declined or Error state is a
// business outcome, not a Go error.
type CreatePaymentResult struct {
	Amount          int64
	State           domain.PaymentState
	TransactionID   string
	ErrorMessage    string
	Metadata        map[string]any
	PrivateMetadata map[string]any
}

// SettlePaymentResult is the outcome of settling an authorised payment.
type SettlePaymentResult struct {
	Success      bool
	ErrorMessage string
	Metadata     map[string]any
}

// RefundResult is the outcome of a refund request.
type RefundResult struct {
	State         domain.RefundState
	TransactionID string
	ErrorMessage  string
	Metadata      map[string]any
}

// Handler integrates a payment method with an external gateway.
type Handler interface {
	Code() string
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (CreatePaymentResult, error)
	SettlePayment(ctx context.Context, order domain.Order, payment domain.Payment) (SettlePaymentResult, error)
}

// Refunder is implemented by handlers that support refunds.
type Refunder interface {
	CreateRefund(ctx context.Context, order domain.Order, payment domain.Payment, amount int64, reason string) (RefundResult, error)
}

// TransitionChecker is implemented by handlers that veto payment state transitions. A non-empty
// reason aborts the transition.
type TransitionChecker interface {
	OnStateTransitionStart(ctx context.Context, order domain.Order, payment domain.Payment, to domain.PaymentState) (string, error)
}

// Registry resolves handlers by method code.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry registers the supplied handlers.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			continue
		}
		code := strings.ToLower(strings.TrimSpace(h.Code()))
		if code == "" {
			return nil, errors.New("payments: handler code is required")
		}
		if _, exists := r.handlers[code]; exists {
			return nil, fmt.Errorf("payments: duplicate handler %q", code)
		}
		r.handlers[code] = h
	}
	return r, nil
}

// Lookup returns the handler registered under code.
func (r *Registry) Lookup(code string) (Handler, error) {
	if r != nil {
		if h, ok := r.handlers[strings.ToLower(strings.TrimSpace(code))]; ok {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, code)
}

// ManualHandler records offline payments such as bank transfers. With AutoSettle the payment is
// settled immediately, otherwise it is authorised and settled later by staff.
type ManualHandler struct {
	MethodCode string
	AutoSettle bool
}

func (h ManualHandler) Code() string {
	if h.MethodCode == "" {
		return "manual"
	}
	return h.MethodCode
}

func (h ManualHandler) CreatePayment(_ context.Context, req CreatePaymentRequest) (CreatePaymentResult, error) {
	state := domain.PaymentStateAuthorized
	if h.AutoSettle {
		state = domain.PaymentStateSettled
	}
	result := CreatePaymentResult{Amount: req.Amount, State: state}
	if ref, ok := req.Args["reference"].(string); ok {
		result.TransactionID = strings.TrimSpace(ref)
	}
	return result, nil
}

func (ManualHandler) SettlePayment(context.Context, domain.Order, domain.Payment) (SettlePaymentResult, error) {
	return SettlePaymentResult{Success: true}, nil
}

func (ManualHandler) CreateRefund(_ context.Context, _ domain.Order, _ domain.Payment, _ int64, _ string) (RefundResult, error) {
	return RefundResult{State: domain.RefundStateSettled}, nil
}
