package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/fulfillment"
	"github.com/hanko-field/orders/internal/repositories"
)

var fulfillableStates = []domain.OrderState{
	domain.OrderStatePaymentAuthorized,
	domain.OrderStatePaymentSettled,
	domain.OrderStatePartiallyShipped,
	domain.OrderStatePartiallyDelivered,
}

func (s *orderService) AddFulfillmentToOrder(ctx context.Context, rc RequestContext, orderID string, input FulfillmentInput) (OrderResult, error) {
	requested, err := groupFulfillmentLines(input.Lines)
	if err != nil {
		return OrderResult{}, err
	}
	code := input.Handler
	if code == "" {
		code = fulfillment.ManualHandler{}.Code()
	}
	handler, ok := s.fulfillments.Lookup(code)
	if !ok {
		return OrderResult{}, fmt.Errorf("%w: unknown fulfillment handler %q", ErrOrderInvalidInput, code)
	}

	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return OrderResult{}, err
	}
	defer unlock()

	order, err := s.loadLocked(ctx, orderID)
	if err != nil {
		return OrderResult{}, err
	}
	if orderErr, err := checkFulfillable(order, requested); err != nil || orderErr != nil {
		if orderErr != nil {
			s.metrics.RecordOrderError(ctx, "add_fulfillment", string(orderErr.Code))
		}
		return OrderResult{Error: orderErr}, err
	}

	lines := fulfillmentLines(requested)
	res, callErr := callCreateFulfillment(ctx, handler, order, lines, maps.Clone(input.Args))
	if callErr != nil {
		orderErr := newOrderError(ErrorCodeCreateFulfillment, callErr.Error())
		s.metrics.RecordOrderError(ctx, "add_fulfillment", string(orderErr.Code))
		return OrderResult{Error: orderErr}, nil
	}

	return s.mutateLocked(ctx, rc, "add_fulfillment", orderID, func(ctx context.Context, m *mutation) error {
		orderErr, err := checkFulfillable(m.order, requested)
		if err != nil {
			return err
		}
		if orderErr != nil {
			m.fail(orderErr)
			return nil
		}

		// Stock is sold only once the move to Pending is allowed.
		now := s.now()
		m.order.Fulfillments = append(m.order.Fulfillments, domain.Fulfillment{
			ID:           s.nextID(fulfillmentIDPrefix),
			State:        domain.FulfillmentStateCreated,
			HandlerCode:  handler.Code(),
			Method:       res.Method,
			TrackingCode: res.TrackingCode,
			Lines:        lines,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		idx := len(m.order.Fulfillments) - 1
		orderErr, err = s.fulfillmentFSM.Transition(ctx, &m.order, idx, domain.FulfillmentStatePending)
		if err != nil {
			return err
		}
		if orderErr != nil {
			m.fail(orderErr)
			return nil
		}

		if s.stock != nil {
			sale := make([]LineQuantity, 0, len(lines))
			for _, l := range lines {
				sale = append(sale, LineQuantity{OrderLineID: l.OrderLineID, Quantity: l.Quantity})
			}
			movements, err := s.stock.Sell(ctx, m.order, sale)
			if err != nil {
				var stockErr *repositories.StockError
				if errors.As(err, &stockErr) && stockErr.Code == repositories.StockErrorInsufficient {
					m.fail(newOrderError(ErrorCodeCreateFulfillment,
						fmt.Sprintf("Insufficient stock for ProductVariant %s", stockErr.ProductVariantID)))
					return nil
				}
				return err
			}
			m.outcome.Movements = append(m.outcome.Movements, movements...)
		}
		return s.fulfillmentTransitioned(ctx, m, idx, domain.FulfillmentStateCreated)
	})
}

func (s *orderService) TransitionFulfillmentToState(ctx context.Context, rc RequestContext, orderID, fulfillmentID string, state domain.FulfillmentState) (OrderResult, error) {
	return s.mutate(ctx, rc, "transition_fulfillment", orderID, func(ctx context.Context, m *mutation) error {
		idx := slices.IndexFunc(m.order.Fulfillments, func(f domain.Fulfillment) bool { return f.ID == fulfillmentID })
		if idx < 0 {
			return fmt.Errorf("%w: order %s has no fulfillment %s", ErrFulfillmentNotFound, m.order.ID, fulfillmentID)
		}
		return s.transitionFulfillment(ctx, m, idx, state)
	})
}

// transitionFulfillment runs the fulfillment machine, reverses sales of cancelled fulfillments and
// advances the order to the shipping state its fulfillments imply.
func (s *orderService) transitionFulfillment(ctx context.Context, m *mutation, idx int, to domain.FulfillmentState) error {
	from := m.order.Fulfillments[idx].State
	orderErr, err := s.fulfillmentFSM.Transition(ctx, &m.order, idx, to)
	if err != nil {
		return err
	}
	if orderErr != nil {
		m.fail(orderErr)
		return nil
	}
	return s.fulfillmentTransitioned(ctx, m, idx, from)
}

// fulfillmentTransitioned records a fulfillment state change made by the fulfillment machine.
func (s *orderService) fulfillmentTransitioned(ctx context.Context, m *mutation, idx int, from domain.FulfillmentState) error {
	m.save = true
	f := m.order.Fulfillments[idx]
	to := f.State
	m.emit(OrderEvent{
		Type:          orderEventFulfillmentTransitioned,
		OrderID:       m.order.ID,
		OrderCode:     m.order.Code,
		PreviousState: string(from),
		CurrentState:  string(to),
		ActorID:       actorID(m.rc),
		OccurredAt:    s.now(),
		Metadata:      map[string]any{"fulfillmentId": f.ID, "trackingCode": f.TrackingCode},
	})

	if to == domain.FulfillmentStateCancelled && s.stock != nil {
		lines := make([]LineQuantity, 0, len(f.Lines))
		for _, l := range f.Lines {
			lines = append(lines, LineQuantity{OrderLineID: l.OrderLineID, Quantity: l.Quantity})
		}
		movements, err := s.stock.Cancel(ctx, m.order, lines)
		if err != nil {
			return err
		}
		m.outcome.Movements = append(m.outcome.Movements, movements...)
	}

	target, ok := DeriveOrderStateFromFulfillments(m.order)
	if !ok || target == m.order.State || !s.fsm.CanTransition(m.order, target) {
		return nil
	}
	if _, err := s.transition(ctx, m, target); err != nil {
		return err
	}
	if m.orderErr != nil && m.orderErr.Code == ErrorCodeOrderStateTransition {
		// The fulfillment change stands even when the derived order state is vetoed.
		m.orderErr = nil
	}
	return nil
}

func groupFulfillmentLines(lines []domain.FulfillmentLine) (map[string]int, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrOrderInvalidInput)
	}
	out := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.OrderLineID == "" || l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: fulfillment lines need an order line id and a positive quantity", ErrOrderInvalidInput)
		}
		out[l.OrderLineID] += l.Quantity
	}
	return out, nil
}

func fulfillmentLines(requested map[string]int) []domain.FulfillmentLine {
	ids := make([]string, 0, len(requested))
	for id := range requested {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]domain.FulfillmentLine, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.FulfillmentLine{OrderLineID: id, Quantity: requested[id]})
	}
	return out
}

func checkFulfillable(order domain.Order, requested map[string]int) (*OrderError, error) {
	if !slices.Contains(fulfillableStates, order.State) {
		return newOrderError(ErrorCodeCreateFulfillment,
			fmt.Sprintf("Cannot create a Fulfillment for an Order in the %q state", order.State)), nil
	}
	open := fulfilledQuantities(order,
		domain.FulfillmentStateCreated,
		domain.FulfillmentStatePending,
		domain.FulfillmentStateShipped,
		domain.FulfillmentStateDelivered,
	)
	for lineID, qty := range requested {
		idx := order.LineIndex(lineID)
		if idx < 0 {
			return nil, fmt.Errorf("%w: order %s has no line %s", ErrOrderLineNotFound, order.ID, lineID)
		}
		if open[lineID]+qty > order.Lines[idx].Quantity {
			return newOrderError(ErrorCodeItemsAlreadyFulfilled, "One or more OrderItems are already part of a Fulfillment"), nil
		}
	}
	return nil, nil
}

func callCreateFulfillment(ctx context.Context, h fulfillment.Handler, order domain.Order, lines []domain.FulfillmentLine, args map[string]string) (res fulfillment.Result, err error) {
	defer recoverHandler(&err, "fulfillment handler "+h.Code())
	return h.CreateFulfillment(ctx, order, lines, args)
}
