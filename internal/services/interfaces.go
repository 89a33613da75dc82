package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// RequestContext carries the caller identity and channel explicitly through every operation.
type RequestContext struct {
	ChannelID  string
	UserID     string
	CustomerID string
	SessionID  string
	OrderToken string
	Admin      bool
}

// Authenticated reports whether the request belongs to a signed-in shopper or staff member.
func (rc RequestContext) Authenticated() bool {
	return rc.UserID != ""
}

// OrderService is the public mutation and query surface for orders. Mutations return an
// OrderResult for business outcomes; a non-nil error is reserved for fatal failures.
type OrderService interface {
	CreateOrder(ctx context.Context, rc RequestContext) (domain.Order, error)
	ActiveOrder(ctx context.Context, rc RequestContext, create bool) (ActiveOrder, error)
	CreateDraftOrder(ctx context.Context, rc RequestContext) (domain.Order, error)

	AddItemToOrder(ctx context.Context, rc RequestContext, orderID string, input AddItemInput) (OrderResult, error)
	AdjustOrderLine(ctx context.Context, rc RequestContext, orderID string, input AdjustLineInput) (OrderResult, error)
	RemoveOrderLine(ctx context.Context, rc RequestContext, orderID, lineID string) (OrderResult, error)
	RemoveAllOrderLines(ctx context.Context, rc RequestContext, orderID string) (OrderResult, error)

	SetCustomerForOrder(ctx context.Context, rc RequestContext, orderID string, input CustomerInput) (OrderResult, error)
	SetCustomerForDraftOrder(ctx context.Context, rc RequestContext, orderID string, input DraftCustomerInput) (OrderResult, error)
	SetOrderShippingAddress(ctx context.Context, rc RequestContext, orderID string, address domain.Address) (OrderResult, error)
	SetOrderBillingAddress(ctx context.Context, rc RequestContext, orderID string, address domain.Address) (OrderResult, error)
	SetOrderShippingMethod(ctx context.Context, rc RequestContext, orderID string, methodIDs []string) (OrderResult, error)
	ApplyCouponCode(ctx context.Context, rc RequestContext, orderID, code string) (OrderResult, error)
	RemoveCouponCode(ctx context.Context, rc RequestContext, orderID, code string) (OrderResult, error)
	AddSurchargeToOrder(ctx context.Context, rc RequestContext, orderID string, input SurchargeInput) (OrderResult, error)
	RemoveSurchargeFromOrder(ctx context.Context, rc RequestContext, orderID, surchargeID string) (OrderResult, error)

	TransitionOrderToState(ctx context.Context, rc RequestContext, orderID string, state domain.OrderState) (OrderResult, error)
	CancelOrder(ctx context.Context, rc RequestContext, orderID, reason string) (OrderResult, error)

	AddPaymentToOrder(ctx context.Context, rc RequestContext, orderID string, input PaymentInput) (OrderResult, error)
	SettlePayment(ctx context.Context, rc RequestContext, orderID, paymentID string) (OrderResult, error)
	RefundPayment(ctx context.Context, rc RequestContext, orderID string, input RefundInput) (OrderResult, error)

	AddFulfillmentToOrder(ctx context.Context, rc RequestContext, orderID string, input FulfillmentInput) (OrderResult, error)
	TransitionFulfillmentToState(ctx context.Context, rc RequestContext, orderID, fulfillmentID string, state domain.FulfillmentState) (OrderResult, error)

	FindOne(ctx context.Context, orderID string) (domain.Order, error)
	FindByCode(ctx context.Context, rc RequestContext, code string) (domain.Order, error)
	FindByCustomerID(ctx context.Context, customerID string, filter repositories.OrderListFilter) ([]domain.Order, error)
}

// ActiveOrder pairs the resolved active order with the token a token-based strategy issued for it.
type ActiveOrder struct {
	Order domain.Order
	Token string
	Found bool
}

// AddItemInput describes an add-item mutation.
type AddItemInput struct {
	ProductVariantID string
	Quantity         int
	CustomFields     map[string]any
}

// AdjustLineInput describes an adjust-line mutation. A nil CustomFields keeps the current values.
type AdjustLineInput struct {
	OrderLineID  string
	Quantity     int
	CustomFields map[string]any
}

// CustomerInput identifies a guest customer.
type CustomerInput struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
}

// DraftCustomerInput selects an existing customer or describes a new one for a draft order.
type DraftCustomerInput struct {
	CustomerID string
	Customer   *CustomerInput
}

// SurchargeInput describes an ad-hoc order charge.
type SurchargeInput struct {
	Description          string
	SKU                  string
	ListPrice            int64
	ListPriceIncludesTax bool
	TaxRate              decimal.Decimal
}

// PaymentInput selects a payment method and passes handler specific arguments.
type PaymentInput struct {
	Method   string
	Args     map[string]any
	Metadata map[string]any
}

// RefundInput requests a refund against a settled payment.
type RefundInput struct {
	PaymentID string
	Amount    int64
	Reason    string
}

// FulfillmentInput requests a fulfillment for quantities of order lines.
type FulfillmentInput struct {
	Lines   []domain.FulfillmentLine
	Handler string
	Args    map[string]string
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type          string
	OrderID       string
	OrderCode     string
	PreviousState string
	CurrentState  string
	ActorID       string
	OccurredAt    time.Time
	Metadata      map[string]any
}

// OrderLocker serialises mutations of a single order across service instances.
type OrderLocker interface {
	Lock(ctx context.Context, orderID string) (unlock func(), err error)
}

// OrderMetrics records order lifecycle measurements.
type OrderMetrics interface {
	RecordTransition(ctx context.Context, from, to string)
	RecordOrderError(ctx context.Context, operation, code string)
}

type noopMetrics struct{}

func (noopMetrics) RecordTransition(context.Context, string, string)  {}
func (noopMetrics) RecordOrderError(context.Context, string, string) {}
