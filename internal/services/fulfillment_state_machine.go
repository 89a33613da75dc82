package services

import (
	"context"
	"slices"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/fulfillment"
)

var fulfillmentTransitions = map[domain.FulfillmentState][]domain.FulfillmentState{
	domain.FulfillmentStateCreated: {domain.FulfillmentStatePending, domain.FulfillmentStateCancelled},
	domain.FulfillmentStatePending: {domain.FulfillmentStateShipped, domain.FulfillmentStateDelivered, domain.FulfillmentStateCancelled},
	domain.FulfillmentStateShipped: {domain.FulfillmentStateDelivered, domain.FulfillmentStateCancelled},
}

// FulfillmentTransitionData is passed to fulfillment transition checks.
type FulfillmentTransitionData struct {
	From        domain.FulfillmentState
	To          domain.FulfillmentState
	Order       domain.Order
	Fulfillment domain.Fulfillment
}

// FulfillmentTransitionCheck vetoes a fulfillment transition by returning a non-empty reason.
type FulfillmentTransitionCheck func(ctx context.Context, data FulfillmentTransitionData) (string, error)

// FulfillmentStateMachine guards fulfillment state changes.
type FulfillmentStateMachine struct {
	handlers *fulfillment.Registry
	checks   []FulfillmentTransitionCheck
	clock    func() time.Time
}

// NewFulfillmentStateMachine constructs the machine.
func NewFulfillmentStateMachine(handlers *fulfillment.Registry, clock func() time.Time, checks ...FulfillmentTransitionCheck) *FulfillmentStateMachine {
	if clock == nil {
		clock = time.Now
	}
	return &FulfillmentStateMachine{handlers: handlers, checks: checks, clock: clock}
}

// Transition moves the fulfillment at index to state to. A vetoed transition leaves the
// fulfillment unchanged.
func (m *FulfillmentStateMachine) Transition(ctx context.Context, order *domain.Order, index int, to domain.FulfillmentState) (*OrderError, error) {
	f := &order.Fulfillments[index]
	from := f.State
	if !slices.Contains(fulfillmentTransitions[from], to) {
		return fulfillmentStateTransitionError(from, to, ""), nil
	}
	data := FulfillmentTransitionData{From: from, To: to, Order: *order, Fulfillment: *f}
	for _, check := range m.checks {
		reason, err := check(ctx, data)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			return fulfillmentStateTransitionError(from, to, reason), nil
		}
	}
	if handler, ok := m.handlers.Lookup(f.HandlerCode); ok {
		if checker, ok := handler.(fulfillment.TransitionChecker); ok {
			reason, err := checker.OnFulfillmentTransition(ctx, *order, *f, from, to)
			if err != nil {
				return nil, err
			}
			if reason != "" {
				return fulfillmentStateTransitionError(from, to, reason), nil
			}
		}
	}
	f.State = to
	f.UpdatedAt = m.clock().UTC()
	return nil, nil
}

// DeriveOrderStateFromFulfillments computes the shipping or delivery state implied by the
// order's fulfillments. It reports false when nothing has shipped yet.
func DeriveOrderStateFromFulfillments(order domain.Order) (domain.OrderState, bool) {
	delivered := fulfilledQuantities(order, domain.FulfillmentStateDelivered)
	shipped := fulfilledQuantities(order, domain.FulfillmentStateShipped, domain.FulfillmentStateDelivered)
	if len(order.Lines) == 0 {
		return "", false
	}
	covers := func(q map[string]int) (some, all bool) {
		all = true
		for _, line := range order.Lines {
			if q[line.ID] > 0 {
				some = true
			}
			if q[line.ID] < line.Quantity {
				all = false
			}
		}
		return some, all
	}
	if some, all := covers(delivered); all {
		return domain.OrderStateDelivered, true
	} else if some {
		return domain.OrderStatePartiallyDelivered, true
	}
	if some, all := covers(shipped); all {
		return domain.OrderStateShipped, true
	} else if some {
		return domain.OrderStatePartiallyShipped, true
	}
	return "", false
}
