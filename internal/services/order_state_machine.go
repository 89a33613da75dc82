package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// TransitionTable maps each state to the states it may move to. States without an entry are terminal.
type TransitionTable map[domain.OrderState][]domain.OrderState

// DefaultTransitionTable returns the standard checkout and fulfillment lifecycle.
func DefaultTransitionTable() TransitionTable {
	return TransitionTable{
		domain.OrderStateDraft:       {domain.OrderStateArrangingPayment, domain.OrderStateCancelled},
		domain.OrderStateAddingItems: {domain.OrderStateArrangingPayment, domain.OrderStateCancelled},
		domain.OrderStateArrangingPayment: {
			domain.OrderStatePaymentAuthorized,
			domain.OrderStatePaymentSettled,
			domain.OrderStateAddingItems,
			domain.OrderStateCancelled,
		},
		domain.OrderStatePaymentAuthorized: {domain.OrderStatePaymentSettled, domain.OrderStateCancelled},
		domain.OrderStatePaymentSettled: {
			domain.OrderStatePartiallyShipped,
			domain.OrderStateShipped,
			domain.OrderStatePartiallyDelivered,
			domain.OrderStateDelivered,
			domain.OrderStateCancelled,
		},
		domain.OrderStatePartiallyShipped: {
			domain.OrderStateShipped,
			domain.OrderStatePartiallyDelivered,
			domain.OrderStateCancelled,
		},
		domain.OrderStateShipped:            {domain.OrderStatePartiallyDelivered, domain.OrderStateDelivered},
		domain.OrderStatePartiallyDelivered: {domain.OrderStateDelivered},
	}
}

// Allows reports whether to is a successor of from.
func (t TransitionTable) Allows(from, to domain.OrderState) bool {
	return slices.Contains(t[from], to)
}

// Validate rejects tables that reference unknown states.
func (t TransitionTable) Validate() error {
	for from, targets := range t {
		if !slices.Contains(domain.OrderStates, from) {
			return fmt.Errorf("order process: unknown state %q", from)
		}
		for _, to := range targets {
			if !slices.Contains(domain.OrderStates, to) {
				return fmt.Errorf("order process: %s: unknown target state %q", from, to)
			}
		}
	}
	return nil
}

type transitionTableFile struct {
	Transitions map[string][]string `yaml:"transitions"`
}

// LoadTransitionTable reads a YAML document of the form
//
//	transitions:
//	  AddingItems: [ArrangingPayment, Cancelled]
func LoadTransitionTable(r io.Reader) (TransitionTable, error) {
	var file transitionTableFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("order process: decode: %w", err)
	}
	if len(file.Transitions) == 0 {
		return nil, errors.New("order process: no transitions defined")
	}
	table := make(TransitionTable, len(file.Transitions))
	for from, targets := range file.Transitions {
		states := make([]domain.OrderState, 0, len(targets))
		for _, to := range targets {
			states = append(states, domain.OrderState(to))
		}
		table[domain.OrderState(from)] = states
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// OrderTransitionData is passed to transition checks and effects.
type OrderTransitionData struct {
	From    domain.OrderState
	To      domain.OrderState
	Order   *domain.Order
	Request RequestContext
	Outcome *TransitionOutcome
}

// TransitionOutcome collects side effects of a transition for the caller. Reverted is set when an
// effect vetoed the transition: writes staged by the effects that already ran are still pending
// and must be discarded with the surrounding transaction.
type TransitionOutcome struct {
	Movements []domain.StockMovement
	Reverted  bool
}

// TransitionCheck runs before a transition. A non-empty reason vetoes it; an error is fatal.
type TransitionCheck func(ctx context.Context, data OrderTransitionData) (string, error)

// TransitionEffect runs after the state has changed. Returning a *TransitionVeto reverts the
// transition and reports the reason as a business error; any other error is fatal.
type TransitionEffect func(ctx context.Context, data OrderTransitionData) error

// TransitionVeto is returned by effects that refuse a transition after the fact.
type TransitionVeto struct {
	Reason string
}

func (v *TransitionVeto) Error() string {
	return v.Reason
}

// PlacedPredicate decides whether a transition places the order.
type PlacedPredicate func(from, to domain.OrderState, order domain.Order) bool

// DefaultPlacedPredicate places the order when payment has been arranged.
func DefaultPlacedPredicate(from, to domain.OrderState, _ domain.Order) bool {
	return from == domain.OrderStateArrangingPayment &&
		(to == domain.OrderStatePaymentAuthorized || to == domain.OrderStatePaymentSettled)
}

// OrderStateMachine guards order state changes.
type OrderStateMachine struct {
	table   TransitionTable
	checks  []TransitionCheck
	effects []TransitionEffect
	placed  PlacedPredicate
	clock   func() time.Time
}

// OrderStateMachineDeps configures the machine. A nil Table selects DefaultTransitionTable and a
// nil Placed selects DefaultPlacedPredicate.
type OrderStateMachineDeps struct {
	Table   TransitionTable
	Checks  []TransitionCheck
	Effects []TransitionEffect
	Placed  PlacedPredicate
	Clock   func() time.Time
}

// NewOrderStateMachine constructs an OrderStateMachine.
func NewOrderStateMachine(deps OrderStateMachineDeps) (*OrderStateMachine, error) {
	table := deps.Table
	if table == nil {
		table = DefaultTransitionTable()
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	placed := deps.Placed
	if placed == nil {
		placed = DefaultPlacedPredicate
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &OrderStateMachine{
		table:   table,
		checks:  slices.Clone(deps.Checks),
		effects: slices.Clone(deps.Effects),
		placed:  placed,
		clock:   clock,
	}, nil
}

// CanTransition reports whether to is a successor of the order's current state.
func (m *OrderStateMachine) CanTransition(order domain.Order, to domain.OrderState) bool {
	return m.table.Allows(order.State, to)
}

// NextStates lists the successors of the order's current state.
func (m *OrderStateMachine) NextStates(order domain.Order) []domain.OrderState {
	return slices.Clone(m.table[order.State])
}

// Transition moves the order to state to. On a veto the order is left untouched and the
// returned OrderError explains why. A veto raised by an effect also marks outcome as Reverted.
func (m *OrderStateMachine) Transition(ctx context.Context, rc RequestContext, order *domain.Order, to domain.OrderState, outcome *TransitionOutcome) (*OrderError, error) {
	from := order.State
	ctx, span := serviceTracer.Start(ctx, "order.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("order.from", string(from)),
		attribute.String("order.to", string(to)),
	)

	if !m.table.Allows(from, to) {
		return orderStateTransitionError(from, to, ""), nil
	}
	if outcome == nil {
		outcome = &TransitionOutcome{}
	}
	data := OrderTransitionData{From: from, To: to, Order: order, Request: rc, Outcome: outcome}

	if to == domain.OrderStateArrangingPayment && order.CustomerID == "" {
		return orderStateTransitionError(from, to,
			fmt.Sprintf("Cannot transition Order to the %q state without Customer details", to)), nil
	}
	for _, check := range m.checks {
		reason, err := check(ctx, data)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if reason != "" {
			return orderStateTransitionError(from, to, reason), nil
		}
	}

	prevActive, prevPlaced := order.Active, order.OrderPlacedAt
	order.State = to
	if m.placed(from, to, *order) {
		if order.OrderPlacedAt == nil {
			now := m.clock().UTC()
			order.OrderPlacedAt = &now
		}
		order.Active = false
	}
	if to == domain.OrderStateCancelled {
		order.Active = false
	}

	for _, effect := range m.effects {
		if err := effect(ctx, data); err != nil {
			order.State, order.Active, order.OrderPlacedAt = from, prevActive, prevPlaced
			var veto *TransitionVeto
			if errors.As(err, &veto) {
				outcome.Reverted = true
				return orderStateTransitionError(from, to, veto.Reason), nil
			}
			span.RecordError(err)
			return nil, err
		}
	}
	return nil, nil
}

// OrderProcessOptions toggles the built-in transition checks. The zero value enables all of them.
type OrderProcessOptions struct {
	DisableContentsCheck      bool
	DisableVariantCheck       bool
	DisablePaymentCheck       bool
	DisableFulfillmentCheck   bool
	DisableActivePaymentCheck bool
}

// DefaultOrderProcess returns the standard transition checks.
func DefaultOrderProcess(variants repositories.VariantRepository, opts OrderProcessOptions) []TransitionCheck {
	var checks []TransitionCheck
	if !opts.DisableContentsCheck {
		checks = append(checks, checkOrderContents)
	}
	if !opts.DisableVariantCheck && variants != nil {
		checks = append(checks, checkVariantsAvailable(variants))
	}
	if !opts.DisableActivePaymentCheck {
		checks = append(checks, checkNoActivePayments)
	}
	if !opts.DisablePaymentCheck {
		checks = append(checks, checkPaymentsCoverTotal)
	}
	if !opts.DisableFulfillmentCheck {
		checks = append(checks, checkFulfillmentCoverage)
	}
	return checks
}

func checkOrderContents(_ context.Context, data OrderTransitionData) (string, error) {
	if data.To != domain.OrderStateArrangingPayment {
		return "", nil
	}
	if len(data.Order.Lines) == 0 {
		return fmt.Sprintf("Cannot transition Order to the %q state when it is empty", data.To), nil
	}
	if len(data.Order.ShippingLines) == 0 {
		return fmt.Sprintf("Cannot transition Order to the %q state without a ShippingMethod", data.To), nil
	}
	return "", nil
}

func checkVariantsAvailable(variants repositories.VariantRepository) TransitionCheck {
	return func(ctx context.Context, data OrderTransitionData) (string, error) {
		if data.To != domain.OrderStateArrangingPayment {
			return "", nil
		}
		for _, line := range data.Order.Lines {
			variant, err := variants.FindByID(ctx, line.ProductVariantID)
			if err != nil && !repositories.IsNotFound(err) {
				return "", err
			}
			if err != nil || !variant.Available() {
				return fmt.Sprintf("Cannot transition to %q because the Order contains ProductVariants which are no longer available", data.To), nil
			}
		}
		return "", nil
	}
}

func checkNoActivePayments(_ context.Context, data OrderTransitionData) (string, error) {
	if data.From != domain.OrderStateArrangingPayment || data.To != domain.OrderStateAddingItems {
		return "", nil
	}
	for _, p := range data.Order.Payments {
		if p.State == domain.PaymentStateAuthorized || p.State == domain.PaymentStateSettled {
			return fmt.Sprintf("Cannot transition Order to the %q state because it has active Payments", data.To), nil
		}
	}
	return "", nil
}

func checkPaymentsCoverTotal(_ context.Context, data OrderTransitionData) (string, error) {
	switch data.To {
	case domain.OrderStatePaymentAuthorized:
		if coveredAmount(*data.Order, domain.PaymentStateAuthorized, domain.PaymentStateSettled) < data.Order.TotalWithTax {
			return fmt.Sprintf("Cannot transition Order to the %q state when the total is not covered by authorized Payments", data.To), nil
		}
	case domain.OrderStatePaymentSettled:
		if coveredAmount(*data.Order, domain.PaymentStateSettled) < data.Order.TotalWithTax {
			return fmt.Sprintf("Cannot transition Order to the %q state when the total is not covered by settled Payments", data.To), nil
		}
	}
	return "", nil
}

func checkFulfillmentCoverage(_ context.Context, data OrderTransitionData) (string, error) {
	var states []domain.FulfillmentState
	full := true
	switch data.To {
	case domain.OrderStateShipped:
		states = []domain.FulfillmentState{domain.FulfillmentStateShipped, domain.FulfillmentStateDelivered}
	case domain.OrderStatePartiallyShipped:
		states, full = []domain.FulfillmentState{domain.FulfillmentStateShipped, domain.FulfillmentStateDelivered}, false
	case domain.OrderStateDelivered:
		states = []domain.FulfillmentState{domain.FulfillmentStateDelivered}
	case domain.OrderStatePartiallyDelivered:
		states, full = []domain.FulfillmentState{domain.FulfillmentStateDelivered}, false
	default:
		return "", nil
	}
	covered := fulfilledQuantities(*data.Order, states...)
	some, all := false, true
	for _, line := range data.Order.Lines {
		if covered[line.ID] > 0 {
			some = true
		}
		if covered[line.ID] < line.Quantity {
			all = false
		}
	}
	if (full && !all) || (!full && !some) {
		return fmt.Sprintf("Cannot transition Order to the %q state unless the corresponding Fulfillments cover its lines", data.To), nil
	}
	return "", nil
}

// coveredAmount sums payments in the given states net of refunds.
func coveredAmount(order domain.Order, states ...domain.PaymentState) int64 {
	var total int64
	for _, p := range order.Payments {
		if slices.Contains(states, p.State) {
			total += p.Amount - p.RefundedAmount()
		}
	}
	return total
}

// StockAllocationTiming decides when an order transition allocates or releases stock.
type StockAllocationTiming interface {
	Allocate(from, to domain.OrderState) bool
	Release(from, to domain.OrderState) bool
}

// DefaultStockAllocationTiming allocates when checkout begins and releases when the shopper goes
// back to editing the cart.
type DefaultStockAllocationTiming struct{}

func (DefaultStockAllocationTiming) Allocate(_, to domain.OrderState) bool {
	return to == domain.OrderStateArrangingPayment
}

func (DefaultStockAllocationTiming) Release(from, to domain.OrderState) bool {
	return from == domain.OrderStateArrangingPayment && to == domain.OrderStateAddingItems
}

// PlacementStockAllocationTiming defers allocation until the order is placed.
type PlacementStockAllocationTiming struct {
	Placed PlacedPredicate
}

func (t PlacementStockAllocationTiming) Allocate(from, to domain.OrderState) bool {
	placed := t.Placed
	if placed == nil {
		placed = DefaultPlacedPredicate
	}
	return placed(from, to, domain.Order{})
}

func (PlacementStockAllocationTiming) Release(domain.OrderState, domain.OrderState) bool {
	return false
}

// StockTransitionEffect wires the allocation manager into order transitions. Cancelling an order
// always releases allocations and reverses unshipped sales.
func StockTransitionEffect(manager *StockAllocationManager, timing StockAllocationTiming) TransitionEffect {
	if timing == nil {
		timing = DefaultStockAllocationTiming{}
	}
	return func(ctx context.Context, data OrderTransitionData) error {
		var (
			movements []domain.StockMovement
			err       error
		)
		switch {
		case data.To == domain.OrderStateCancelled:
			movements, err = manager.CancelOrder(ctx, *data.Order)
		case timing.Release(data.From, data.To):
			movements, err = manager.ReleaseAll(ctx, *data.Order)
		case timing.Allocate(data.From, data.To):
			movements, err = manager.Allocate(ctx, *data.Order)
		default:
			return nil
		}
		if err != nil {
			var stockErr *repositories.StockError
			if errors.As(err, &stockErr) && stockErr.Code == repositories.StockErrorInsufficient {
				return &TransitionVeto{Reason: fmt.Sprintf("Insufficient stock for ProductVariant %s", stockErr.ProductVariantID)}
			}
			return err
		}
		if data.Outcome != nil {
			data.Outcome.Movements = append(data.Outcome.Movements, movements...)
		}
		return nil
	}
}
