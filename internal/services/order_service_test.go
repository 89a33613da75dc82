package services

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/fulfillment"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/repositories"
)

type declineHandler struct{}

func (declineHandler) Code() string { return "card" }

func (declineHandler) CreatePayment(_ context.Context, req payments.CreatePaymentRequest) (payments.CreatePaymentResult, error) {
	return payments.CreatePaymentResult{Amount: req.Amount, State: domain.PaymentStateDeclined, ErrorMessage: "card_declined"}, nil
}

func (declineHandler) SettlePayment(context.Context, domain.Order, domain.Payment) (payments.SettlePaymentResult, error) {
	return payments.SettlePaymentResult{}, nil
}

type panicHandler struct{}

func (panicHandler) Code() string { return "flaky" }

func (panicHandler) CreatePayment(context.Context, payments.CreatePaymentRequest) (payments.CreatePaymentResult, error) {
	panic("gateway exploded")
}

func (panicHandler) SettlePayment(context.Context, domain.Order, domain.Payment) (payments.SettlePaymentResult, error) {
	return payments.SettlePaymentResult{}, nil
}

type carrierHandler struct {
	vetoOn domain.FulfillmentState
	reason string
}

func (carrierHandler) Code() string { return "carrier" }

func (carrierHandler) CreateFulfillment(context.Context, domain.Order, []domain.FulfillmentLine, map[string]string) (fulfillment.Result, error) {
	return fulfillment.Result{Method: "courier", TrackingCode: "TRK9"}, nil
}

func (h carrierHandler) OnFulfillmentTransition(_ context.Context, _ domain.Order, _ domain.Fulfillment, _, to domain.FulfillmentState) (string, error) {
	if to == h.vetoOn {
		return h.reason, nil
	}
	return "", nil
}

func vetoTransitionTo(state domain.OrderState, reason string) TransitionEffect {
	return func(_ context.Context, data OrderTransitionData) error {
		if data.To == state {
			return &TransitionVeto{Reason: reason}
		}
		return nil
	}
}

func TestOrderService_CreateOrder(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, RequestContext{})

	if order.State != domain.OrderStateAddingItems {
		t.Fatalf("expected AddingItems, got %s", order.State)
	}
	if !order.Active {
		t.Fatalf("expected new order to be active")
	}
	if order.Code == "" || order.CurrencyCode != "USD" {
		t.Fatalf("expected code and currency, got %q %q", order.Code, order.CurrencyCode)
	}
	if order.Version != 1 {
		t.Fatalf("expected version 1, got %d", order.Version)
	}
	if got := env.events.types(); !slices.Equal(got, []string{orderEventCreated}) {
		t.Fatalf("expected created event, got %v", got)
	}
}

func TestOrderService_AddItemMergesIdenticalLines(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, RequestContext{})

	env.addItem(t, order.ID, 2)
	res := env.addItem(t, order.ID, 3)
	if res.Error != nil {
		t.Fatalf("unexpected order error: %v", res.Error)
	}
	if len(res.Order.Lines) != 1 || res.Order.Lines[0].Quantity != 5 {
		t.Fatalf("expected single line with quantity 5, got %+v", res.Order.Lines)
	}

	res, err := env.svc.AddItemToOrder(context.Background(), RequestContext{}, order.ID, AddItemInput{
		ProductVariantID: testVariantID,
		Quantity:         1,
		CustomFields:     map[string]any{"engraving": "AL"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Order.Lines) != 2 {
		t.Fatalf("expected custom fields to split lines, got %d lines", len(res.Order.Lines))
	}
	if res.Order.TotalQuantity() != 6 {
		t.Fatalf("expected 6 units, got %d", res.Order.TotalQuantity())
	}
}

func TestOrderService_AddItemNegativeQuantity(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, RequestContext{})

	res := env.addItem(t, order.ID, -3)
	if res.Error == nil || res.Error.Code != ErrorCodeNegativeQuantity {
		t.Fatalf("expected negative quantity error, got %+v", res.Error)
	}
	if res.Order.ID != "" {
		t.Fatalf("expected no order on rejected mutation")
	}
	if stored := env.orders.get(t, order.ID); len(stored.Lines) != 0 || stored.Version != 1 {
		t.Fatalf("expected order untouched, got %d lines version %d", len(stored.Lines), stored.Version)
	}
}

func TestOrderService_AddItemClampsToSaleableStock(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, RequestContext{})

	res := env.addItem(t, order.ID, 111)
	if res.Error == nil || res.Error.Code != ErrorCodeInsufficientStock {
		t.Fatalf("expected insufficient stock error, got %+v", res.Error)
	}
	if res.Error.QuantityAvailable != 100 {
		t.Fatalf("expected 100 available, got %d", res.Error.QuantityAvailable)
	}
	if len(res.Order.Lines) != 1 || res.Order.Lines[0].Quantity != 100 {
		t.Fatalf("expected partial add of 100, got %+v", res.Order.Lines)
	}

	res = env.addItem(t, order.ID, 1)
	if res.Error == nil || res.Error.QuantityAvailable != 0 {
		t.Fatalf("expected nothing more to add, got %+v", res.Error)
	}
	if stored := env.orders.get(t, order.ID); stored.Lines[0].Quantity != 100 {
		t.Fatalf("expected stored quantity 100, got %d", stored.Lines[0].Quantity)
	}
}

func TestOrderService_AddItemUnknownVariant(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, RequestContext{})

	_, err := env.svc.AddItemToOrder(context.Background(), RequestContext{}, order.ID, AddItemInput{ProductVariantID: "var_missing", Quantity: 1})
	if !errors.Is(err, ErrProductVariantNotFound) {
		t.Fatalf("expected variant not found, got %v", err)
	}
}

func TestOrderService_OrderItemsLimit(t *testing.T) {
	env := newTestEnv(t, withConfig(OrderServiceConfig{OrderItemsLimit: 5}))
	order := env.newOrder(t, RequestContext{})

	res := env.addItem(t, order.ID, 6)
	if res.Error == nil || res.Error.Code != ErrorCodeOrderLimit || res.Error.MaxItems != 5 {
		t.Fatalf("expected order limit error, got %+v", res.Error)
	}
}

func TestOrderService_AdjustAndRemoveLines(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, RequestContext{})
	line := env.addItem(t, order.ID, 2).Order.Lines[0]
	ctx := context.Background()

	res, err := env.svc.AdjustOrderLine(ctx, RequestContext{}, order.ID, AdjustLineInput{OrderLineID: line.ID, Quantity: 4})
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected adjust failure: %v %v", err, res.Error)
	}
	if res.Order.Lines[0].Quantity != 4 || res.Order.SubTotal != 4000 {
		t.Fatalf("expected quantity 4 and subtotal 4000, got %d %d", res.Order.Lines[0].Quantity, res.Order.SubTotal)
	}

	res, err = env.svc.AdjustOrderLine(ctx, RequestContext{}, order.ID, AdjustLineInput{OrderLineID: line.ID, Quantity: -1})
	if err != nil || res.Error == nil || res.Error.Code != ErrorCodeNegativeQuantity {
		t.Fatalf("expected negative quantity error, got %v %+v", err, res.Error)
	}

	_, err = env.svc.AdjustOrderLine(ctx, RequestContext{}, order.ID, AdjustLineInput{OrderLineID: "oln_missing", Quantity: 1})
	if !errors.Is(err, ErrOrderLineNotFound) {
		t.Fatalf("expected line not found, got %v", err)
	}

	res, err = env.svc.AdjustOrderLine(ctx, RequestContext{}, order.ID, AdjustLineInput{OrderLineID: line.ID, Quantity: 0})
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected remove failure: %v %v", err, res.Error)
	}
	if len(res.Order.Lines) != 0 || res.Order.TotalWithTax != 0 {
		t.Fatalf("expected empty order, got %d lines total %d", len(res.Order.Lines), res.Order.TotalWithTax)
	}
}

func TestOrderService_TransitionToUnknownStateRejected(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, RequestContext{})

	res, err := env.svc.TransitionOrderToState(context.Background(), RequestContext{}, order.ID, domain.OrderState("Completed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error == nil || res.Error.Code != ErrorCodeOrderStateTransition {
		t.Fatalf("expected transition error, got %+v", res.Error)
	}
	if res.Error.FromState != string(domain.OrderStateAddingItems) || res.Error.ToState != "Completed" {
		t.Fatalf("unexpected states on error: %+v", res.Error)
	}
	if stored := env.orders.get(t, order.ID); stored.State != domain.OrderStateAddingItems {
		t.Fatalf("expected state unchanged, got %s", stored.State)
	}
}

func TestOrderService_ArrangingPaymentRequiresCustomer(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, RequestContext{})
	env.addItem(t, order.ID, 1)

	res, err := env.svc.TransitionOrderToState(context.Background(), RequestContext{}, order.ID, domain.OrderStateArrangingPayment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error == nil || res.Error.Code != ErrorCodeOrderStateTransition {
		t.Fatalf("expected transition veto, got %+v", res.Error)
	}
}

func TestOrderService_CheckoutEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.newOrder(t, RequestContext{})
	env.addItem(t, order.ID, 2)
	order = env.checkoutReady(t, order.ID)

	if order.SubTotal != 2000 || order.SubTotalWithTax != 2400 {
		t.Fatalf("expected subtotal 2000/2400, got %d/%d", order.SubTotal, order.SubTotalWithTax)
	}
	if order.Shipping != 500 || order.TotalWithTax != 2900 {
		t.Fatalf("expected shipping 500 and total 2900, got %d/%d", order.Shipping, order.TotalWithTax)
	}
	if order.ShippingAddress.CountryCode != "US" {
		t.Fatalf("expected normalised country, got %q", order.ShippingAddress.CountryCode)
	}
	if order.Customer == nil || order.Customer.Email != "guest@example.com" {
		t.Fatalf("expected guest customer, got %+v", order.Customer)
	}

	res, err := env.svc.TransitionOrderToState(ctx, RequestContext{}, order.ID, domain.OrderStateArrangingPayment)
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected transition failure: %v %v", err, res.Error)
	}
	if level := env.stock.level(testVariantID, testLocationID); level.StockAllocated != 2 || level.StockOnHand != 100 {
		t.Fatalf("expected 2 allocated of 100, got %+v", level)
	}

	res, err = env.svc.AddPaymentToOrder(ctx, RequestContext{}, order.ID, PaymentInput{Method: "manual"})
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected payment failure: %v %v", err, res.Error)
	}
	placed := res.Order
	if placed.State != domain.OrderStatePaymentSettled {
		t.Fatalf("expected PaymentSettled, got %s", placed.State)
	}
	if placed.Active {
		t.Fatalf("expected placed order to be inactive")
	}
	if placed.OrderPlacedAt == nil || !placed.OrderPlacedAt.Equal(env.clock.Now()) {
		t.Fatalf("expected placement timestamp, got %v", placed.OrderPlacedAt)
	}
	if len(placed.Payments) != 1 || placed.Payments[0].Amount != 2900 || placed.Payments[0].State != domain.PaymentStateSettled {
		t.Fatalf("unexpected payments %+v", placed.Payments)
	}

	types := env.events.types()
	for _, want := range []string{orderEventStateTransitioned, stockEventMovementsApplied, orderEventPaymentAdded} {
		if !slices.Contains(types, want) {
			t.Fatalf("expected %s event, got %v", want, types)
		}
	}
}

func TestOrderService_InsufficientStockVetoesCheckout(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, RequestContext{})
	env.addItem(t, order.ID, 2)
	env.checkoutReady(t, order.ID)
	env.stock.setLevel(testVariantID, testLocationID, 1, 0)

	res, err := env.svc.TransitionOrderToState(context.Background(), RequestContext{}, order.ID, domain.OrderStateArrangingPayment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error == nil || res.Error.Code != ErrorCodeOrderStateTransition {
		t.Fatalf("expected veto, got %+v", res.Error)
	}
	if stored := env.orders.get(t, order.ID); stored.State != domain.OrderStateAddingItems {
		t.Fatalf("expected AddingItems, got %s", stored.State)
	}
	if level := env.stock.level(testVariantID, testLocationID); level.StockAllocated != 0 {
		t.Fatalf("expected no allocation, got %d", level.StockAllocated)
	}
}

func TestOrderService_BackToAddingItemsReleasesStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.newOrder(t, RequestContext{})
	env.addItem(t, order.ID, 3)
	env.checkoutReady(t, order.ID)

	if res, err := env.svc.TransitionOrderToState(ctx, RequestContext{}, order.ID, domain.OrderStateArrangingPayment); err != nil || res.Error != nil {
		t.Fatalf("unexpected transition failure: %v %v", err, res.Error)
	}
	if res := env.addItem(t, order.ID, 1); res.Error == nil || res.Error.Code != ErrorCodeOrderModification {
		t.Fatalf("expected modification error, got %+v", res.Error)
	}
	if res, err := env.svc.TransitionOrderToState(ctx, RequestContext{}, order.ID, domain.OrderStateAddingItems); err != nil || res.Error != nil {
		t.Fatalf("unexpected transition failure: %v %v", err, res.Error)
	}
	if level := env.stock.level(testVariantID, testLocationID); level.StockAllocated != 0 {
		t.Fatalf("expected allocation released, got %d", level.StockAllocated)
	}
}

func TestOrderService_PaymentDeclined(t *testing.T) {
	env := newTestEnv(t, withPayments(declineHandler{}))
	ctx := context.Background()
	order := env.newOrder(t, RequestContext{})
	env.addItem(t, order.ID, 1)
	env.checkoutReady(t, order.ID)
	if res, err := env.svc.TransitionOrderToState(ctx, RequestContext{}, order.ID, domain.OrderStateArrangingPayment); err != nil || res.Error != nil {
		t.Fatalf("unexpected transition failure: %v %v", err, res.Error)
	}

	res, err := env.svc.AddPaymentToOrder(ctx, RequestContext{}, order.ID, PaymentInput{Method: "card"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error == nil || res.Error.Code != ErrorCodePaymentDeclined || res.Error.PaymentMessage != "card_declined" {
		t.Fatalf("expected declined error, got %+v", res.Error)
	}
	stored := env.orders.get(t, order.ID)
	if stored.State != domain.OrderStateArrangingPayment {
		t.Fatalf("expected ArrangingPayment, got %s", stored.State)
	}
	if len(stored.Payments) != 1 || stored.Payments[0].State != domain.PaymentStateDeclined {
		t.Fatalf("expected declined payment to be recorded, got %+v", stored.Payments)
	}
}

func TestOrderService_PaymentHandlerPanicRecorded(t *testing.T) {
	env := newTestEnv(t, withPayments(panicHandler{}))
	ctx := context.Background()
	order := env.newOrder(t, RequestContext{})
	env.addItem(t, order.ID, 1)
	env.checkoutReady(t, order.ID)
	if res, err := env.svc.TransitionOrderToState(ctx, RequestContext{}, order.ID, domain.OrderStateArrangingPayment); err != nil || res.Error != nil {
		t.Fatalf("unexpected transition failure: %v %v", err, res.Error)
	}

	res, err := env.svc.AddPaymentToOrder(ctx, RequestContext{}, order.ID, PaymentInput{Method: "flaky"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error == nil || res.Error.Code != ErrorCodePaymentFailed {
		t.Fatalf("expected payment failed error, got %+v", res.Error)
	}
	if stored := env.orders.get(t, order.ID); stored.Payments[0].State != domain.PaymentStateError {
		t.Fatalf("expected errored payment, got %s", stored.Payments[0].State)
	}
}

func TestOrderService_PaymentRequiresArrangingPayment(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, RequestContext{})

	res, err := env.svc.AddPaymentToOrder(context.Background(), RequestContext{}, order.ID, PaymentInput{Method: "manual"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error == nil || res.Error.Code != ErrorCodeOrderPaymentState {
		t.Fatalf("expected payment state error, got %+v", res.Error)
	}
}

func TestOrderService_AuthorizeThenSettle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.newOrder(t, RequestContext{})
	env.addItem(t, order.ID, 1)
	env.checkoutReady(t, order.ID)
	if res, err := env.svc.TransitionOrderToState(ctx, RequestContext{}, order.ID, domain.OrderStateArrangingPayment); err != nil || res.Error != nil {
		t.Fatalf("unexpected transition failure: %v %v", err, res.Error)
	}

	res, err := env.svc.AddPaymentToOrder(ctx, RequestContext{}, order.ID, PaymentInput{Method: "invoice"})
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected payment failure: %v %v", err, res.Error)
	}
	if res.Order.State != domain.OrderStatePaymentAuthorized || res.Order.OrderPlacedAt == nil {
		t.Fatalf("expected placed PaymentAuthorized order, got %s", res.Order.State)
	}

	res, err = env.svc.SettlePayment(ctx, RequestContext{}, order.ID, res.Order.Payments[0].ID)
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected settle failure: %v %v", err, res.Error)
	}
	if res.Order.State != domain.OrderStatePaymentSettled || res.Order.Payments[0].State != domain.PaymentStateSettled {
		t.Fatalf("expected settled order, got %s / %s", res.Order.State, res.Order.Payments[0].State)
	}
}

func TestOrderService_RefundPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := placeOrder(t, env, 1)
	paymentID := order.Payments[0].ID

	res, err := env.svc.RefundPayment(ctx, RequestContext{Admin: true}, order.ID, RefundInput{PaymentID: paymentID, Amount: 500, Reason: "damaged"})
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected refund failure: %v %v", err, res.Error)
	}
	if got := res.Order.Payments[0].RefundedAmount(); got != 500 {
		t.Fatalf("expected 500 refunded, got %d", got)
	}

	res, err = env.svc.RefundPayment(ctx, RequestContext{Admin: true}, order.ID, RefundInput{PaymentID: paymentID, Amount: order.TotalWithTax})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error == nil || res.Error.Code != ErrorCodeRefund {
		t.Fatalf("expected refund error for excess amount, got %+v", res.Error)
	}
}

func TestOrderService_FulfillmentDrivesOrderState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := RequestContext{Admin: true, UserID: "staff-1"}
	order := placeOrder(t, env, 2)
	lineID := order.Lines[0].ID

	res, err := env.svc.AddFulfillmentToOrder(ctx, admin, order.ID, FulfillmentInput{
		Lines: []domain.FulfillmentLine{{OrderLineID: lineID, Quantity: 2}},
		Args:  map[string]string{"method": "courier", "trackingCode": "TRK1"},
	})
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected fulfillment failure: %v %v", err, res.Error)
	}
	f := res.Order.Fulfillments[0]
	if f.State != domain.FulfillmentStatePending || f.TrackingCode != "TRK1" {
		t.Fatalf("unexpected fulfillment %+v", f)
	}
	if level := env.stock.level(testVariantID, testLocationID); level.StockOnHand != 98 || level.StockAllocated != 0 {
		t.Fatalf("expected sale to consume allocation, got %+v", level)
	}

	res, err = env.svc.AddFulfillmentToOrder(ctx, admin, order.ID, FulfillmentInput{
		Lines: []domain.FulfillmentLine{{OrderLineID: lineID, Quantity: 1}},
		Args:  map[string]string{"method": "courier"},
	})
	if err != nil || res.Error == nil || res.Error.Code != ErrorCodeItemsAlreadyFulfilled {
		t.Fatalf("expected items already fulfilled, got %v %+v", err, res.Error)
	}

	res, err = env.svc.TransitionFulfillmentToState(ctx, admin, order.ID, f.ID, domain.FulfillmentStateShipped)
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected ship failure: %v %v", err, res.Error)
	}
	if res.Order.State != domain.OrderStateShipped {
		t.Fatalf("expected Shipped, got %s", res.Order.State)
	}

	res, err = env.svc.TransitionFulfillmentToState(ctx, admin, order.ID, f.ID, domain.FulfillmentStateDelivered)
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected delivery failure: %v %v", err, res.Error)
	}
	if res.Order.State != domain.OrderStateDelivered {
		t.Fatalf("expected Delivered, got %s", res.Order.State)
	}
}

func TestOrderService_CancelPlacedOrderRestoresStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := placeOrder(t, env, 2)

	res, err := env.svc.CancelOrder(ctx, RequestContext{Admin: true}, order.ID, "customer request")
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected cancel failure: %v %v", err, res.Error)
	}
	if res.Order.State != domain.OrderStateCancelled || res.Order.Active {
		t.Fatalf("expected inactive cancelled order, got %s active=%v", res.Order.State, res.Order.Active)
	}
	if res.Order.CustomFields["cancellationReason"] != "customer request" {
		t.Fatalf("expected cancellation reason, got %v", res.Order.CustomFields)
	}
	if level := env.stock.level(testVariantID, testLocationID); level.StockAllocated != 0 || level.StockOnHand != 100 {
		t.Fatalf("expected stock restored, got %+v", level)
	}

	res, err = env.svc.CancelOrder(ctx, RequestContext{Admin: true}, order.ID, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error == nil || res.Error.Code != ErrorCodeOrderStateTransition {
		t.Fatalf("expected cancelled to be terminal, got %+v", res.Error)
	}
}

func TestOrderService_CouponRemovalRestoresTotals(t *testing.T) {
	env := newTestEnv(t)
	env.promotions.promotions = []domain.Promotion{{
		ID:         "promo_free",
		Name:       "Everything free",
		CouponCode: "FREE100",
		Enabled:    true,
		Actions: []domain.ConfigurableOperation{{
			Code: "order_percentage_discount",
			Args: map[string]string{"discount": "100"},
		}},
	}}
	ctx := context.Background()
	order := env.newOrder(t, RequestContext{})
	before := env.addItem(t, order.ID, 2).Order

	res, err := env.svc.ApplyCouponCode(ctx, RequestContext{}, order.ID, "free100")
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected apply failure: %v %v", err, res.Error)
	}
	if res.Order.Total != 0 || res.Order.TotalWithTax != 0 {
		t.Fatalf("expected zero totals, got %d/%d", res.Order.Total, res.Order.TotalWithTax)
	}
	if len(res.Order.Promotions) != 1 || res.Order.Promotions[0].PromotionID != "promo_free" {
		t.Fatalf("expected applied promotion, got %+v", res.Order.Promotions)
	}

	res, err = env.svc.RemoveCouponCode(ctx, RequestContext{}, order.ID, "FREE100")
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected remove failure: %v %v", err, res.Error)
	}
	after := res.Order
	if after.Total != before.Total || after.TotalWithTax != before.TotalWithTax {
		t.Fatalf("expected totals %d/%d restored, got %d/%d", before.Total, before.TotalWithTax, after.Total, after.TotalWithTax)
	}
	if after.Lines[0].ProratedLinePriceWithTax != before.Lines[0].ProratedLinePriceWithTax || len(after.Lines[0].Discounts) != 0 {
		t.Fatalf("expected line discounts cleared, got %+v", after.Lines[0])
	}
	types := env.events.types()
	if !slices.Contains(types, orderEventCouponApplied) || !slices.Contains(types, orderEventCouponRemoved) {
		t.Fatalf("expected coupon events, got %v", types)
	}
}

func TestOrderService_CouponValidation(t *testing.T) {
	ended := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newTestEnv(t)
	env.promotions.promotions = []domain.Promotion{
		{ID: "promo_old", CouponCode: "OLD", Enabled: true, EndsAt: &ended,
			Actions: []domain.ConfigurableOperation{{Code: "order_fixed_discount", Args: map[string]string{"amount": "100"}}}},
		{ID: "promo_used", CouponCode: "USED", Enabled: true, UsageLimit: 1, UsageCount: 1,
			Actions: []domain.ConfigurableOperation{{Code: "order_fixed_discount", Args: map[string]string{"amount": "100"}}}},
		{ID: "promo_big", CouponCode: "BIG", Enabled: true,
			Conditions: []domain.ConfigurableOperation{{Code: "minimum_order_amount", Args: map[string]string{"amount": "100000"}}},
			Actions:    []domain.ConfigurableOperation{{Code: "order_fixed_discount", Args: map[string]string{"amount": "100"}}}},
	}
	order := env.newOrder(t, RequestContext{})
	env.addItem(t, order.ID, 1)

	cases := map[string]ErrorCode{
		"NOPE": ErrorCodeCouponCodeInvalid,
		"OLD":  ErrorCodeCouponCodeExpired,
		"USED": ErrorCodeCouponCodeLimit,
		"BIG":  ErrorCodeCouponCodeInvalid,
	}
	for code, want := range cases {
		res, err := env.svc.ApplyCouponCode(context.Background(), RequestContext{}, order.ID, code)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", code, err)
		}
		if res.Error == nil || res.Error.Code != want {
			t.Fatalf("%s: expected %s, got %+v", code, want, res.Error)
		}
	}
	if stored := env.orders.get(t, order.ID); len(stored.CouponCodes) != 0 {
		t.Fatalf("expected no coupons stored, got %v", stored.CouponCodes)
	}
}

func TestOrderService_PromotionUsageRecordedOnPlacement(t *testing.T) {
	env := newTestEnv(t)
	env.promotions.promotions = []domain.Promotion{{
		ID:         "promo_ten",
		Name:       "Ten percent",
		CouponCode: "TEN",
		Enabled:    true,
		Actions:    []domain.ConfigurableOperation{{Code: "order_percentage_discount", Args: map[string]string{"discount": "10"}}},
	}}
	ctx := context.Background()
	order := env.newOrder(t, RequestContext{})
	env.addItem(t, order.ID, 1)
	if res, err := env.svc.ApplyCouponCode(ctx, RequestContext{}, order.ID, "TEN"); err != nil || res.Error != nil {
		t.Fatalf("unexpected apply failure: %v %v", err, res.Error)
	}
	env.checkoutReady(t, order.ID)
	if res, err := env.svc.TransitionOrderToState(ctx, RequestContext{}, order.ID, domain.OrderStateArrangingPayment); err != nil || res.Error != nil {
		t.Fatalf("unexpected transition failure: %v %v", err, res.Error)
	}
	if len(env.promotions.usages) != 0 {
		t.Fatalf("expected no usage before placement")
	}
	res, err := env.svc.AddPaymentToOrder(ctx, RequestContext{}, order.ID, PaymentInput{Method: "manual"})
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected payment failure: %v %v", err, res.Error)
	}
	if len(env.promotions.usages) != 1 || env.promotions.usages[0].OrderID != order.ID {
		t.Fatalf("expected one usage for the order, got %+v", env.promotions.usages)
	}
	// 1000 net less 10% plus 20% tax, plus 500 shipping.
	if res.Order.TotalWithTax != 1580 {
		t.Fatalf("expected total 1580, got %d", res.Order.TotalWithTax)
	}
}

func TestOrderService_FindByCodeAccessWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.customers.customers["cus_owner"] = domain.Customer{ID: "cus_owner", Email: "owner@example.com", UserID: "user-1"}

	owned := env.newOrder(t, RequestContext{CustomerID: "cus_owner", UserID: "user-1"})
	anonymous := env.newOrder(t, RequestContext{})

	if _, err := env.svc.FindByCode(ctx, RequestContext{}, anonymous.Code); err != nil {
		t.Fatalf("expected anonymous access within window, got %v", err)
	}
	if _, err := env.svc.FindByCode(ctx, RequestContext{CustomerID: "cus_other"}, owned.Code); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected other customer to be forbidden, got %v", err)
	}

	env.clock.Advance(3 * time.Hour)

	if _, err := env.svc.FindByCode(ctx, RequestContext{}, anonymous.Code); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected anonymous access to expire, got %v", err)
	}
	if _, err := env.svc.FindByCode(ctx, RequestContext{CustomerID: "cus_owner"}, owned.Code); err != nil {
		t.Fatalf("expected owner access, got %v", err)
	}
	if _, err := env.svc.FindByCode(ctx, RequestContext{Admin: true}, anonymous.Code); err != nil {
		t.Fatalf("expected admin access, got %v", err)
	}
	if _, err := env.svc.FindByCode(ctx, RequestContext{}, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderService_ActiveOrderBySession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rc := RequestContext{SessionID: "sess-1"}

	none, err := env.svc.ActiveOrder(ctx, rc, false)
	if err != nil || none.Found {
		t.Fatalf("expected no active order, got %+v %v", none, err)
	}
	created, err := env.svc.ActiveOrder(ctx, rc, true)
	if err != nil || !created.Found {
		t.Fatalf("expected created order, got %+v %v", created, err)
	}
	again, err := env.svc.ActiveOrder(ctx, rc, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Order.ID != created.Order.ID {
		t.Fatalf("expected same active order, got %s and %s", created.Order.ID, again.Order.ID)
	}
}

func TestOrderService_DraftOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := RequestContext{Admin: true, UserID: "staff-1"}

	draft, err := env.svc.CreateDraftOrder(ctx, admin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if draft.State != domain.OrderStateDraft || draft.Active {
		t.Fatalf("expected inactive draft, got %s active=%v", draft.State, draft.Active)
	}
	res, err := env.svc.SetCustomerForDraftOrder(ctx, admin, draft.ID, DraftCustomerInput{
		Customer: &CustomerInput{Email: "buyer@example.com", FirstName: "Grace"},
	})
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected set customer failure: %v %v", err, res.Error)
	}
	if res.Order.CustomerID == "" {
		t.Fatalf("expected customer on draft")
	}
	orders, err := env.svc.FindByCustomerID(ctx, res.Order.CustomerID, repositories.OrderListFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected drafts to be hidden from customer listings, got %d", len(orders))
	}
}

func TestOrderService_SetCustomerWhenLoggedIn(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, RequestContext{})

	res, err := env.svc.SetCustomerForOrder(context.Background(), RequestContext{UserID: "user-9"}, order.ID, CustomerInput{Email: "x@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error == nil || res.Error.Code != ErrorCodeAlreadyLoggedIn {
		t.Fatalf("expected already logged in, got %+v", res.Error)
	}
}

func TestOrderService_RecalculationIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, RequestContext{})
	env.addItem(t, order.ID, 3)
	env.checkoutReady(t, order.ID)
	stored := env.orders.get(t, order.ID)

	first := cloneOrder(stored)
	if err := env.calculator.Recalculate(context.Background(), RequestContext{}, &first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := cloneOrder(first)
	if err := env.calculator.Recalculate(context.Background(), RequestContext{}, &second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Total != second.Total || first.TotalWithTax != second.TotalWithTax || first.Shipping != second.Shipping {
		t.Fatalf("expected identical totals, got %d/%d and %d/%d", first.Total, first.TotalWithTax, second.Total, second.TotalWithTax)
	}
	if first.Total != stored.Total || first.TotalWithTax != stored.TotalWithTax {
		t.Fatalf("expected stored totals to be stable")
	}
	for i := range first.Lines {
		a, b := first.Lines[i], second.Lines[i]
		if a.LinePrice != b.LinePrice || a.ProratedLinePriceWithTax != b.ProratedLinePriceWithTax || a.InitialListPrice != b.InitialListPrice {
			t.Fatalf("line %d changed between recalculations", i)
		}
	}
	if len(first.TaxSummary) != len(second.TaxSummary) {
		t.Fatalf("expected identical tax summaries")
	}
	for i := range first.TaxSummary {
		if first.TaxSummary[i].TaxTotal != second.TaxSummary[i].TaxTotal || first.TaxSummary[i].TaxBase != second.TaxSummary[i].TaxBase {
			t.Fatalf("tax summary row %d changed", i)
		}
	}
}

func TestOrderService_RetriesVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, RequestContext{})

	conflicts := 1
	stale := &conflictingOrderRepo{memOrderRepo: env.orders, conflicts: &conflicts}
	svc := env.svc.(*orderService)
	svc.orders = stale

	res := env.addItem(t, order.ID, 1)
	if res.Error != nil || len(res.Order.Lines) != 1 {
		t.Fatalf("expected retried add to succeed, got %+v", res.Error)
	}
	if conflicts != 0 {
		t.Fatalf("expected conflict to be consumed")
	}
	if stored := env.orders.get(t, order.ID); stored.Version != 2 {
		t.Fatalf("expected a single committed update, got version %d", stored.Version)
	}
}

type conflictingOrderRepo struct {
	*memOrderRepo
	conflicts *int
}

func (r *conflictingOrderRepo) Update(ctx context.Context, order domain.Order) error {
	if *r.conflicts > 0 {
		*r.conflicts--
		return repositories.NewConflictError("orders.update", errors.New("stale"))
	}
	return r.memOrderRepo.Update(ctx, order)
}

// placeOrder runs the shopper flow up to a settled manual payment.
func placeOrder(t *testing.T, env *testEnv, quantity int) domain.Order {
	t.Helper()
	ctx := context.Background()
	order := env.newOrder(t, RequestContext{})
	env.addItem(t, order.ID, quantity)
	env.checkoutReady(t, order.ID)
	if res, err := env.svc.TransitionOrderToState(ctx, RequestContext{}, order.ID, domain.OrderStateArrangingPayment); err != nil || res.Error != nil {
		t.Fatalf("unexpected transition failure: %v %v", err, res.Error)
	}
	res, err := env.svc.AddPaymentToOrder(ctx, RequestContext{}, order.ID, PaymentInput{Method: "manual"})
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected payment failure: %v %v", err, res.Error)
	}
	return res.Order
}

func TestOrderService_PricesIncludingTax(t *testing.T) {
	env := newTestEnv(t, withPricesIncludingTax())
	order := env.newOrder(t, RequestContext{})

	res := env.addItem(t, order.ID, 2)
	if res.Error != nil {
		t.Fatalf("unexpected order error: %v", res.Error)
	}
	line := res.Order.Lines[0]
	if !line.ListPriceIncludesTax {
		t.Fatalf("expected list price to follow the channel and include tax")
	}
	if line.UnitPrice != 833 || line.UnitPriceWithTax != 1000 {
		t.Fatalf("expected unit price 833/1000, got %d/%d", line.UnitPrice, line.UnitPriceWithTax)
	}
	if line.LinePrice != 1666 || line.LinePriceWithTax != 2000 {
		t.Fatalf("expected line price 1666/2000, got %d/%d", line.LinePrice, line.LinePriceWithTax)
	}
	if res.Order.SubTotal != 1666 || res.Order.SubTotalWithTax != 2000 {
		t.Fatalf("expected subtotal 1666/2000, got %d/%d", res.Order.SubTotal, res.Order.SubTotalWithTax)
	}
}

func TestOrderService_GuestKeepsActiveOrderAfterSettingCustomer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rc := RequestContext{SessionID: "sess-guest"}

	created, err := env.svc.ActiveOrder(ctx, rc, true)
	if err != nil || !created.Found {
		t.Fatalf("expected created order, got %+v %v", created, err)
	}
	res, err := env.svc.SetCustomerForOrder(ctx, rc, created.Order.ID, CustomerInput{Email: "guest@example.com", FirstName: "Ada"})
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected set customer failure: %v %v", err, res.Error)
	}
	if res.Order.CustomerID == "" {
		t.Fatalf("expected guest customer on order")
	}

	again, err := env.svc.ActiveOrder(ctx, rc, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.Found || again.Order.ID != created.Order.ID {
		t.Fatalf("expected session to keep order %s, got found=%v id=%q", created.Order.ID, again.Found, again.Order.ID)
	}

	other, err := env.svc.ActiveOrder(ctx, RequestContext{SessionID: "sess-guest", CustomerID: "cus_other"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other.Found {
		t.Fatalf("expected a different signed-in customer not to resume the guest order")
	}
}

func TestOrderService_EffectVetoRollsBackStockAllocation(t *testing.T) {
	env := newTestEnv(t, withUnitOfWork(), withTransitionEffects(vetoTransitionTo(domain.OrderStateArrangingPayment, "fraud review pending")))
	ctx := context.Background()
	order := env.newOrder(t, RequestContext{})
	env.addItem(t, order.ID, 2)
	env.checkoutReady(t, order.ID)
	before := env.orders.get(t, order.ID)

	res, err := env.svc.TransitionOrderToState(ctx, RequestContext{}, order.ID, domain.OrderStateArrangingPayment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error == nil || res.Error.Code != ErrorCodeOrderStateTransition || res.Error.TransitionError != "fraud review pending" {
		t.Fatalf("expected veto from effect, got %+v", res.Error)
	}
	if level := env.stock.level(testVariantID, testLocationID); level.StockAllocated != 0 || level.StockOnHand != 100 {
		t.Fatalf("expected allocation rolled back, got %+v", level)
	}
	movements, err := env.stock.ListMovements(ctx, order.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(movements) != 0 {
		t.Fatalf("expected no stock movements, got %d", len(movements))
	}
	stored := env.orders.get(t, order.ID)
	if stored.State != domain.OrderStateAddingItems || stored.Version != before.Version {
		t.Fatalf("expected order untouched, got %s version %d", stored.State, stored.Version)
	}
	if env.unit.rollbacks != 1 {
		t.Fatalf("expected one rolled back attempt, got %d", env.unit.rollbacks)
	}
	if slices.Contains(env.events.types(), stockEventMovementsApplied) {
		t.Fatalf("expected no stock event for a vetoed transition")
	}
}

func TestOrderService_EffectVetoKeepsPayment(t *testing.T) {
	env := newTestEnv(t, withUnitOfWork(), withTransitionEffects(vetoTransitionTo(domain.OrderStatePaymentSettled, "settlement on hold")))
	ctx := context.Background()
	order := env.newOrder(t, RequestContext{})
	env.addItem(t, order.ID, 1)
	env.checkoutReady(t, order.ID)
	if res, err := env.svc.TransitionOrderToState(ctx, RequestContext{}, order.ID, domain.OrderStateArrangingPayment); err != nil || res.Error != nil {
		t.Fatalf("unexpected transition failure: %v %v", err, res.Error)
	}

	res, err := env.svc.AddPaymentToOrder(ctx, RequestContext{}, order.ID, PaymentInput{Method: "manual"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error == nil || res.Error.TransitionError != "settlement on hold" {
		t.Fatalf("expected settlement veto, got %+v", res.Error)
	}
	stored := env.orders.get(t, order.ID)
	if stored.State != domain.OrderStateArrangingPayment {
		t.Fatalf("expected ArrangingPayment, got %s", stored.State)
	}
	if len(stored.Payments) != 1 || stored.Payments[0].State != domain.PaymentStateSettled {
		t.Fatalf("expected the settled payment to be kept, got %+v", stored.Payments)
	}
	added := 0
	for _, typ := range env.events.types() {
		if typ == orderEventPaymentAdded {
			added++
		}
	}
	if added != 1 {
		t.Fatalf("expected one payment event, got %d", added)
	}
}

func TestOrderService_FulfillmentVetoOnPendingSellsNothing(t *testing.T) {
	env := newTestEnv(t, withFulfillmentHandlers(carrierHandler{vetoOn: domain.FulfillmentStatePending, reason: "label not printed"}))
	ctx := context.Background()
	order := placeOrder(t, env, 2)

	res, err := env.svc.AddFulfillmentToOrder(ctx, RequestContext{Admin: true}, order.ID, FulfillmentInput{
		Handler: "carrier",
		Lines:   []domain.FulfillmentLine{{OrderLineID: order.Lines[0].ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error == nil || res.Error.Code != ErrorCodeFulfillmentStateTransition || res.Error.TransitionError != "label not printed" {
		t.Fatalf("expected fulfillment veto, got %+v", res.Error)
	}
	if stored := env.orders.get(t, order.ID); len(stored.Fulfillments) != 0 {
		t.Fatalf("expected no fulfillment stored, got %+v", stored.Fulfillments)
	}
	if level := env.stock.level(testVariantID, testLocationID); level.StockOnHand != 100 || level.StockAllocated != 2 {
		t.Fatalf("expected stock untouched, got %+v", level)
	}
}

func TestOrderService_FulfillmentHandlerVetoesShipping(t *testing.T) {
	env := newTestEnv(t, withFulfillmentHandlers(carrierHandler{vetoOn: domain.FulfillmentStateShipped, reason: "carrier not ready"}))
	ctx := context.Background()
	admin := RequestContext{Admin: true}
	order := placeOrder(t, env, 1)

	res, err := env.svc.AddFulfillmentToOrder(ctx, admin, order.ID, FulfillmentInput{
		Handler: "carrier",
		Lines:   []domain.FulfillmentLine{{OrderLineID: order.Lines[0].ID, Quantity: 1}},
	})
	if err != nil || res.Error != nil {
		t.Fatalf("unexpected fulfillment failure: %v %v", err, res.Error)
	}
	f := res.Order.Fulfillments[0]

	res, err = env.svc.TransitionFulfillmentToState(ctx, admin, order.ID, f.ID, domain.FulfillmentStateShipped)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error == nil || res.Error.Code != ErrorCodeFulfillmentStateTransition {
		t.Fatalf("expected fulfillment transition error, got %+v", res.Error)
	}
	if res.Error.TransitionError != "carrier not ready" {
		t.Fatalf("expected handler reason, got %q", res.Error.TransitionError)
	}
	stored := env.orders.get(t, order.ID)
	if stored.Fulfillments[0].State != domain.FulfillmentStatePending {
		t.Fatalf("expected fulfillment to stay Pending, got %s", stored.Fulfillments[0].State)
	}
	if stored.State != domain.OrderStatePaymentSettled {
		t.Fatalf("expected order to stay PaymentSettled, got %s", stored.State)
	}
}
