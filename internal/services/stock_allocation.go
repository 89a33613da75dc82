package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const stockMovementIDPrefix = "smv_"

// SaleableStockFunc derives saleable stock from a level's counters.
type SaleableStockFunc func(level domain.StockLevel) int

// DefaultSaleableStock is stock on hand minus stock allocated, never below zero.
func DefaultSaleableStock(level domain.StockLevel) int {
	return max(level.StockOnHand-level.StockAllocated, 0)
}

// LocationQuantity is a portion of an allocation drawn from one stock location.
type LocationQuantity struct {
	StockLocationID string
	Quantity        int
}

// StockLocationStrategy chooses where allocations are drawn from and aggregates multi-location stock.
type StockLocationStrategy interface {
	ForAllocation(ctx context.Context, order domain.Order, line domain.OrderLine, levels []domain.StockLevel, quantity int) []LocationQuantity
	Saleable(levels []domain.StockLevel) int
}

// DefaultStockLocationStrategy draws from locations with the most saleable stock first. When stock
// runs out the remainder is assigned to the fullest location so the repository can reject it.
type DefaultStockLocationStrategy struct {
	DefaultLocationID string
	SaleableStock     SaleableStockFunc
}

func (s DefaultStockLocationStrategy) saleable(level domain.StockLevel) int {
	if s.SaleableStock != nil {
		return s.SaleableStock(level)
	}
	return DefaultSaleableStock(level)
}

// Saleable implements StockLocationStrategy.
func (s DefaultStockLocationStrategy) Saleable(levels []domain.StockLevel) int {
	total := 0
	for _, level := range levels {
		total += s.saleable(level)
	}
	return total
}

// ForAllocation implements StockLocationStrategy.
func (s DefaultStockLocationStrategy) ForAllocation(_ context.Context, _ domain.Order, _ domain.OrderLine, levels []domain.StockLevel, quantity int) []LocationQuantity {
	if quantity <= 0 {
		return nil
	}
	if len(levels) == 0 {
		return []LocationQuantity{{StockLocationID: s.DefaultLocationID, Quantity: quantity}}
	}
	sorted := append([]domain.StockLevel(nil), levels...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := s.saleable(sorted[i]), s.saleable(sorted[j])
		if a != b {
			return a > b
		}
		return sorted[i].StockLocationID < sorted[j].StockLocationID
	})
	remaining := quantity
	var out []LocationQuantity
	for _, level := range sorted {
		take := min(s.saleable(level), remaining)
		if take <= 0 {
			continue
		}
		out = append(out, LocationQuantity{StockLocationID: level.StockLocationID, Quantity: take})
		remaining -= take
		if remaining == 0 {
			return out
		}
	}
	if len(out) > 0 && out[0].StockLocationID == sorted[0].StockLocationID {
		out[0].Quantity += remaining
	} else {
		out = append([]LocationQuantity{{StockLocationID: sorted[0].StockLocationID, Quantity: remaining}}, out...)
	}
	return out
}

// StockAllocationManager records allocation, release, sale and cancellation movements for order
// lines. Each call is capped by what the line's ledger allows, so repeated calls never double apply.
type StockAllocationManager struct {
	stock          repositories.StockRepository
	variants       repositories.VariantRepository
	strategy       StockLocationStrategy
	trackInventory bool
	clock          func() time.Time
	newID          func() string
	tracer         trace.Tracer
}

// StockAllocationDeps bundles collaborators for the allocation manager.
type StockAllocationDeps struct {
	Stock          repositories.StockRepository
	Variants       repositories.VariantRepository
	Strategy       StockLocationStrategy
	TrackInventory bool
	Clock          func() time.Time
	IDGenerator    func() string
	Tracer         trace.Tracer
}

// NewStockAllocationManager constructs the manager.
func NewStockAllocationManager(deps StockAllocationDeps) (*StockAllocationManager, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock allocation: stock repository is required")
	}
	if deps.Variants == nil {
		return nil, errors.New("stock allocation: variant repository is required")
	}
	strategy := deps.Strategy
	if strategy == nil {
		strategy = DefaultStockLocationStrategy{DefaultLocationID: "default"}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = defaultIDGenerator
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = serviceTracer
	}
	return &StockAllocationManager{
		stock:          deps.Stock,
		variants:       deps.Variants,
		strategy:       strategy,
		trackInventory: deps.TrackInventory,
		clock:          clock,
		newID:          idGen,
		tracer:         tracer,
	}, nil
}

// LineQuantity selects a quantity of an order line.
type LineQuantity struct {
	OrderLineID string
	Quantity    int
}

// Saleable returns the saleable quantity of a variant and whether it is inventory tracked.
func (m *StockAllocationManager) Saleable(ctx context.Context, variant domain.ProductVariant) (int, bool, error) {
	if !m.tracked(variant) {
		return 0, false, nil
	}
	levels, err := m.stock.Levels(ctx, variant.ID)
	if err != nil {
		return 0, true, err
	}
	return m.strategy.Saleable(levels), true, nil
}

// Allocate reserves stock for every line up to its quantity.
func (m *StockAllocationManager) Allocate(ctx context.Context, order domain.Order) ([]domain.StockMovement, error) {
	return m.run(ctx, "allocate", order, func(p *stockPlan) error {
		for _, line := range order.Lines {
			if err := p.allocate(ctx, line, line.Quantity-p.ledger.net(line.ID, allocatedNet)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Release returns outstanding allocations of the given lines.
func (m *StockAllocationManager) Release(ctx context.Context, order domain.Order, lines []LineQuantity) ([]domain.StockMovement, error) {
	return m.run(ctx, "release", order, func(p *stockPlan) error {
		for _, lq := range lines {
			p.release(lq.OrderLineID, lq.Quantity)
		}
		return nil
	})
}

// Sell converts allocations into sales, allocating first where a line was never allocated.
func (m *StockAllocationManager) Sell(ctx context.Context, order domain.Order, lines []LineQuantity) ([]domain.StockMovement, error) {
	return m.run(ctx, "sell", order, func(p *stockPlan) error {
		for _, lq := range lines {
			if err := p.sell(ctx, lq.OrderLineID, lq.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cancel reverses sales of the given lines, restoring stock on hand.
func (m *StockAllocationManager) Cancel(ctx context.Context, order domain.Order, lines []LineQuantity) ([]domain.StockMovement, error) {
	return m.run(ctx, "cancel", order, func(p *stockPlan) error {
		for _, lq := range lines {
			p.cancel(lq.OrderLineID, lq.Quantity)
		}
		return nil
	})
}

// ReleaseAll releases every outstanding allocation of the order.
func (m *StockAllocationManager) ReleaseAll(ctx context.Context, order domain.Order) ([]domain.StockMovement, error) {
	return m.run(ctx, "release", order, func(p *stockPlan) error {
		for _, line := range order.Lines {
			p.release(line.ID, p.ledger.net(line.ID, outstandingAllocation))
		}
		return nil
	})
}

// CancelOrder releases outstanding allocations and reverses sales not covered by shipped or
// delivered fulfillments, in a single atomic batch.
func (m *StockAllocationManager) CancelOrder(ctx context.Context, order domain.Order) ([]domain.StockMovement, error) {
	shipped := fulfilledQuantities(order, domain.FulfillmentStateShipped, domain.FulfillmentStateDelivered)
	return m.run(ctx, "cancel_order", order, func(p *stockPlan) error {
		for _, line := range order.Lines {
			p.release(line.ID, p.ledger.net(line.ID, outstandingAllocation))
			p.cancel(line.ID, p.ledger.net(line.ID, soldNet)-shipped[line.ID])
		}
		return nil
	})
}

func (m *StockAllocationManager) run(ctx context.Context, op string, order domain.Order, build func(*stockPlan) error) ([]domain.StockMovement, error) {
	ctx, span := m.tracer.Start(ctx, "stock."+op, trace.WithAttributes(attribute.String("order.id", order.ID)))
	defer span.End()

	movements, err := m.stock.ListMovements(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("stock %s: list movements: %w", op, err)
	}
	plan := &stockPlan{
		manager:  m,
		order:    order,
		ledger:   newStockLedger(movements),
		variants: map[string]domain.ProductVariant{},
		now:      m.clock().UTC(),
	}
	if err := build(plan); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(plan.changes) == 0 {
		return nil, nil
	}
	if err := m.stock.ApplyChanges(ctx, plan.changes); err != nil {
		span.RecordError(err)
		return nil, err
	}
	out := make([]domain.StockMovement, len(plan.changes))
	for i, c := range plan.changes {
		out[i] = c.Movement
	}
	span.SetAttributes(attribute.Int("stock.movements", len(out)))
	return out, nil
}

func (m *StockAllocationManager) tracked(variant domain.ProductVariant) bool {
	return m.trackInventory && variant.TrackInventory
}

type stockPlan struct {
	manager  *StockAllocationManager
	order    domain.Order
	ledger   *stockLedger
	variants map[string]domain.ProductVariant
	changes  []repositories.StockChange
	now      time.Time
}

func (p *stockPlan) variant(ctx context.Context, line domain.OrderLine) (domain.ProductVariant, error) {
	if v, ok := p.variants[line.ProductVariantID]; ok {
		return v, nil
	}
	v, err := p.manager.variants.FindByID(ctx, line.ProductVariantID)
	if err != nil {
		return domain.ProductVariant{}, fmt.Errorf("stock: variant %s: %w", line.ProductVariantID, err)
	}
	p.variants[line.ProductVariantID] = v
	return v, nil
}

func (p *stockPlan) line(lineID string) (domain.OrderLine, bool) {
	idx := p.order.LineIndex(lineID)
	if idx < 0 {
		return domain.OrderLine{}, false
	}
	return p.order.Lines[idx], true
}

func (p *stockPlan) add(kind domain.StockMovementType, line domain.OrderLine, location string, qty int, enforce bool) {
	signed := qty
	if kind == domain.StockMovementAllocation || kind == domain.StockMovementSale {
		signed = -qty
	}
	mv := domain.StockMovement{
		ID:               stockMovementIDPrefix + p.manager.newID(),
		Type:             kind,
		ProductVariantID: line.ProductVariantID,
		StockLocationID:  location,
		Quantity:         signed,
		OrderID:          p.order.ID,
		OrderLineID:      line.ID,
		CreatedAt:        p.now,
	}
	p.changes = append(p.changes, repositories.StockChange{Movement: mv, Enforce: enforce})
	p.ledger.record(mv)
}

func (p *stockPlan) allocate(ctx context.Context, line domain.OrderLine, qty int) error {
	if qty <= 0 {
		return nil
	}
	variant, err := p.variant(ctx, line)
	if err != nil {
		return err
	}
	tracked := p.manager.tracked(variant)
	var levels []domain.StockLevel
	if tracked {
		levels, err = p.manager.stock.Levels(ctx, variant.ID)
		if err != nil {
			return err
		}
	}
	for _, lq := range p.manager.strategy.ForAllocation(ctx, p.order, line, levels, qty) {
		if lq.Quantity > 0 {
			p.add(domain.StockMovementAllocation, line, lq.StockLocationID, lq.Quantity, tracked)
		}
	}
	return nil
}

func (p *stockPlan) release(lineID string, qty int) {
	line, ok := p.line(lineID)
	if !ok {
		return
	}
	qty = min(qty, p.ledger.net(lineID, outstandingAllocation))
	for _, lq := range p.ledger.draw(lineID, qty, outstandingAllocation) {
		p.add(domain.StockMovementRelease, line, lq.StockLocationID, lq.Quantity, false)
	}
}

func (p *stockPlan) sell(ctx context.Context, lineID string, qty int) error {
	line, ok := p.line(lineID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderLineNotFound, lineID)
	}
	qty = min(qty, line.Quantity-p.ledger.net(lineID, soldNet))
	if qty <= 0 {
		return nil
	}
	if missing := qty - p.ledger.net(lineID, outstandingAllocation); missing > 0 {
		if err := p.allocate(ctx, line, missing); err != nil {
			return err
		}
	}
	for _, lq := range p.ledger.draw(lineID, qty, outstandingAllocation) {
		p.add(domain.StockMovementSale, line, lq.StockLocationID, lq.Quantity, false)
	}
	return nil
}

func (p *stockPlan) cancel(lineID string, qty int) {
	line, ok := p.line(lineID)
	if !ok {
		return
	}
	qty = min(qty, p.ledger.net(lineID, soldNet))
	for _, lq := range p.ledger.draw(lineID, qty, soldNet) {
		p.add(domain.StockMovementCancellation, line, lq.StockLocationID, lq.Quantity, false)
	}
}

type ledgerTotals struct {
	allocated, released, sold, cancelled int
}

type ledgerMeasure func(ledgerTotals) int

func allocatedNet(t ledgerTotals) int          { return t.allocated - t.released }
func outstandingAllocation(t ledgerTotals) int { return t.allocated - t.released - t.sold }
func soldNet(t ledgerTotals) int               { return t.sold - t.cancelled }

// stockLedger aggregates an order's movements per line and location.
type stockLedger struct {
	totals    map[string]map[string]*ledgerTotals
	locations map[string][]string
}

func newStockLedger(movements []domain.StockMovement) *stockLedger {
	l := &stockLedger{
		totals:    map[string]map[string]*ledgerTotals{},
		locations: map[string][]string{},
	}
	for _, mv := range movements {
		l.record(mv)
	}
	return l
}

func (l *stockLedger) record(mv domain.StockMovement) {
	byLocation, ok := l.totals[mv.OrderLineID]
	if !ok {
		byLocation = map[string]*ledgerTotals{}
		l.totals[mv.OrderLineID] = byLocation
	}
	t, ok := byLocation[mv.StockLocationID]
	if !ok {
		t = &ledgerTotals{}
		byLocation[mv.StockLocationID] = t
		l.locations[mv.OrderLineID] = append(l.locations[mv.OrderLineID], mv.StockLocationID)
	}
	qty := mv.Quantity
	if qty < 0 {
		qty = -qty
	}
	switch mv.Type {
	case domain.StockMovementAllocation:
		t.allocated += qty
	case domain.StockMovementRelease:
		t.released += qty
	case domain.StockMovementSale:
		t.sold += qty
	case domain.StockMovementCancellation:
		t.cancelled += qty
	}
}

func (l *stockLedger) net(lineID string, measure ledgerMeasure) int {
	total := 0
	for _, t := range l.totals[lineID] {
		total += measure(*t)
	}
	return total
}

// draw splits qty across the line's locations in first-seen order, bounded by measure per location.
func (l *stockLedger) draw(lineID string, qty int, measure ledgerMeasure) []LocationQuantity {
	var out []LocationQuantity
	for _, loc := range l.locations[lineID] {
		if qty <= 0 {
			break
		}
		take := min(measure(*l.totals[lineID][loc]), qty)
		if take <= 0 {
			continue
		}
		out = append(out, LocationQuantity{StockLocationID: loc, Quantity: take})
		qty -= take
	}
	return out
}

func fulfilledQuantities(order domain.Order, states ...domain.FulfillmentState) map[string]int {
	out := map[string]int{}
	for _, f := range order.Fulfillments {
		match := false
		for _, s := range states {
			if f.State == s {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		for _, fl := range f.Lines {
			out[fl.OrderLineID] += fl.Quantity
		}
	}
	return out
}
