package services

import (
	"errors"
	"fmt"

	domain "github.com/hanko-field/orders/internal/domain"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the caller may not access the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderLineNotFound indicates the order has no line with the requested id.
	ErrOrderLineNotFound = errors.New("order: line not found")
	// ErrProductVariantNotFound is returned alike for missing, disabled and deleted variants.
	ErrProductVariantNotFound = errors.New("order: product variant not found")
	// ErrTaxRateNotFound indicates no tax rate is configured for a line and recalculation cannot complete.
	ErrTaxRateNotFound = errors.New("order: tax rate not found")
	// ErrShippingMethodNotFound indicates a selected shipping method vanished.
	ErrShippingMethodNotFound = errors.New("order: shipping method not found")
	// ErrPaymentNotFound indicates the order has no payment with the requested id.
	ErrPaymentNotFound = errors.New("order: payment not found")
	// ErrFulfillmentNotFound indicates the order has no fulfillment with the requested id.
	ErrFulfillmentNotFound = errors.New("order: fulfillment not found")
)

// ErrorCode identifies a typed business error returned alongside an order result.
type ErrorCode string

const (
	ErrorCodeNegativeQuantity           ErrorCode = "NEGATIVE_QUANTITY_ERROR"
	ErrorCodeInsufficientStock          ErrorCode = "INSUFFICIENT_STOCK_ERROR"
	ErrorCodeOrderModification          ErrorCode = "ORDER_MODIFICATION_ERROR"
	ErrorCodeOrderStateTransition       ErrorCode = "ORDER_STATE_TRANSITION_ERROR"
	ErrorCodeEmailAddressConflict       ErrorCode = "EMAIL_ADDRESS_CONFLICT_ERROR"
	ErrorCodeAlreadyLoggedIn            ErrorCode = "ALREADY_LOGGED_IN_ERROR"
	ErrorCodePaymentDeclined            ErrorCode = "PAYMENT_DECLINED_ERROR"
	ErrorCodePaymentFailed              ErrorCode = "PAYMENT_FAILED_ERROR"
	ErrorCodeOrderPaymentState          ErrorCode = "ORDER_PAYMENT_STATE_ERROR"
	ErrorCodeOrderLimit                 ErrorCode = "ORDER_LIMIT_ERROR"
	ErrorCodeFulfillmentStateTransition ErrorCode = "FULFILLMENT_STATE_TRANSITION_ERROR"
	ErrorCodeCreateFulfillment          ErrorCode = "CREATE_FULFILLMENT_ERROR"
	ErrorCodeGuestCheckout              ErrorCode = "GUEST_CHECKOUT_ERROR"
	ErrorCodeCouponCodeInvalid          ErrorCode = "COUPON_CODE_INVALID_ERROR"
	ErrorCodeCouponCodeExpired          ErrorCode = "COUPON_CODE_EXPIRED_ERROR"
	ErrorCodeCouponCodeLimit            ErrorCode = "COUPON_CODE_LIMIT_ERROR"
	ErrorCodeIneligibleShippingMethod   ErrorCode = "INELIGIBLE_SHIPPING_METHOD_ERROR"
	ErrorCodeIneligiblePaymentMethod    ErrorCode = "INELIGIBLE_PAYMENT_METHOD_ERROR"
	ErrorCodeItemsAlreadyFulfilled      ErrorCode = "ITEMS_ALREADY_FULFILLED_ERROR"
	ErrorCodeSettlePayment              ErrorCode = "SETTLE_PAYMENT_ERROR"
	ErrorCodeRefund                     ErrorCode = "REFUND_ERROR"
)

const orderModificationMessage = "Order contents may only be modified when in the 'AddingItems' state"

// OrderError is a typed business error. It is returned as data, never as a Go error, so callers
// must inspect OrderResult.Error.
type OrderError struct {
	Code              ErrorCode
	Message           string
	QuantityAvailable int
	MaxItems          int
	FromState         string
	ToState           string
	TransitionError   string
	PaymentMessage    string
	CouponCode        string
}

// Error renders the code and message.
func (e *OrderError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Partial reports whether the mutation took effect despite the error.
func (e *OrderError) Partial() bool {
	return e != nil && e.Code == ErrorCodeInsufficientStock
}

// OrderResult is the discriminated result of every order mutation. Order is populated on success
// and for partial successes; Error is set for every business rule violation.
type OrderResult struct {
	Order domain.Order
	Error *OrderError
}

// OK reports whether the mutation succeeded without a business error.
func (r OrderResult) OK() bool {
	return r.Error == nil
}

func negativeQuantityError() *OrderError {
	return &OrderError{
		Code:    ErrorCodeNegativeQuantity,
		Message: "The quantity for an OrderItem cannot be negative",
	}
}

func insufficientStockError(available int) *OrderError {
	return &OrderError{
		Code:              ErrorCodeInsufficientStock,
		Message:           fmt.Sprintf("Only %d items were added to the order due to insufficient stock", available),
		QuantityAvailable: available,
	}
}

func orderModificationError() *OrderError {
	return &OrderError{Code: ErrorCodeOrderModification, Message: orderModificationMessage}
}

func orderLimitError(max int) *OrderError {
	return &OrderError{
		Code:     ErrorCodeOrderLimit,
		Message:  fmt.Sprintf("Cannot add items. An order may consist of a maximum of %d items", max),
		MaxItems: max,
	}
}

func orderStateTransitionError(from, to domain.OrderState, reason string) *OrderError {
	if reason == "" {
		reason = fmt.Sprintf("Cannot transition Order from %q to %q", from, to)
	}
	return &OrderError{
		Code:            ErrorCodeOrderStateTransition,
		Message:         "Cannot transition order state",
		FromState:       string(from),
		ToState:         string(to),
		TransitionError: reason,
	}
}

func fulfillmentStateTransitionError(from, to domain.FulfillmentState, reason string) *OrderError {
	if reason == "" {
		reason = fmt.Sprintf("Cannot transition Fulfillment from %q to %q", from, to)
	}
	return &OrderError{
		Code:            ErrorCodeFulfillmentStateTransition,
		Message:         "Cannot transition fulfillment state",
		FromState:       string(from),
		ToState:         string(to),
		TransitionError: reason,
	}
}

func newOrderError(code ErrorCode, message string) *OrderError {
	return &OrderError{Code: code, Message: message}
}
