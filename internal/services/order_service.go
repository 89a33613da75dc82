package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/fulfillment"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/repositories"
	"github.com/hanko-field/orders/internal/shipping"
)

const (
	orderEventCreated                 = "order.created"
	orderEventStateTransitioned       = "order.state.transitioned"
	orderEventCouponApplied           = "order.coupon.applied"
	orderEventCouponRemoved           = "order.coupon.removed"
	orderEventPaymentAdded            = "order.payment.added"
	orderEventPaymentRefunded         = "order.payment.refunded"
	orderEventFulfillmentTransitioned = "order.fulfillment.transitioned"
	stockEventMovementsApplied        = "stock.movements.applied"

	orderIDPrefix        = "ord_"
	orderLineIDPrefix    = "oln_"
	shippingLineIDPrefix = "shl_"
	surchargeIDPrefix    = "sur_"
	paymentIDPrefix      = "pay_"
	refundIDPrefix       = "ref_"
	fulfillmentIDPrefix  = "ful_"

	defaultAnonymousOrderAccessWindow = 2 * time.Hour
	defaultConflictRetries            = 3
)

var serviceTracer = otel.Tracer("github.com/hanko-field/orders/internal/services")

func defaultIDGenerator() string {
	return ulid.Make().String()
}

// TextSanitizer strips markup from shopper supplied text.
type TextSanitizer interface {
	Sanitize(value string) string
}

// OrderServiceConfig carries tunables for order mutations.
type OrderServiceConfig struct {
	OrderItemsLimit            int
	OrderLineItemsLimit        int
	ModifiableStates           []domain.OrderState
	AnonymousOrderAccessWindow time.Duration
	ConflictRetries            int
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	Variants        repositories.VariantRepository
	Promotions      repositories.PromotionRepository
	Customers       repositories.CustomerRepository
	ShippingMethods repositories.ShippingMethodRepository
	Channels        ChannelProvider
	Calculator      *OrderCalculator
	StateMachine    *OrderStateMachine
	Fulfillments    *FulfillmentStateMachine
	Engine          *PromotionEngine
	Shipping        *shipping.Registry
	Payments        *payments.Registry
	FulfillmentKit  *fulfillment.Registry
	Stock           *StockAllocationManager
	GuestCheckout   GuestCheckoutStrategy
	ActiveOrders    ActiveOrderStrategy
	OrderCodes      OrderCodeStrategy
	Sanitizer       TextSanitizer
	Locker          OrderLocker
	UnitOfWork      repositories.UnitOfWork
	Events          OrderEventPublisher
	Metrics         OrderMetrics
	Config          OrderServiceConfig
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders         repositories.OrderRepository
	variants       repositories.VariantRepository
	promotions     repositories.PromotionRepository
	customers      repositories.CustomerRepository
	methods        repositories.ShippingMethodRepository
	channels       ChannelProvider
	calculator     *OrderCalculator
	fsm            *OrderStateMachine
	fulfillmentFSM *FulfillmentStateMachine
	engine         *PromotionEngine
	shipping       *shipping.Registry
	payments       *payments.Registry
	fulfillments   *fulfillment.Registry
	stock          *StockAllocationManager
	guest          GuestCheckoutStrategy
	active         ActiveOrderStrategy
	codes          OrderCodeStrategy
	sanitizer      TextSanitizer
	locker         OrderLocker
	unitOfWork     repositories.UnitOfWork
	events         OrderEventPublisher
	metrics        OrderMetrics
	cfg            OrderServiceConfig
	clock          func() time.Time
	newID          func() string
	logger         func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Variants == nil {
		return nil, errors.New("order service: variant repository is required")
	}
	if deps.Calculator == nil {
		return nil, errors.New("order service: calculator is required")
	}
	if deps.Channels == nil {
		return nil, errors.New("order service: channel provider is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utc := func() time.Time { return clock().UTC() }

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = defaultIDGenerator
	}

	fsm := deps.StateMachine
	if fsm == nil {
		var err error
		fsm, err = NewOrderStateMachine(OrderStateMachineDeps{Clock: utc})
		if err != nil {
			return nil, err
		}
	}

	fulfillmentRegistry := deps.FulfillmentKit
	if fulfillmentRegistry == nil {
		fulfillmentRegistry = fulfillment.NewRegistry()
	}
	fulfillmentFSM := deps.Fulfillments
	if fulfillmentFSM == nil {
		fulfillmentFSM = NewFulfillmentStateMachine(fulfillmentRegistry, utc)
	}

	engine := deps.Engine
	if engine == nil {
		engine = NewPromotionEngine(utc, nil, nil)
	}
	shippingRegistry := deps.Shipping
	if shippingRegistry == nil {
		shippingRegistry = shipping.NewRegistry(nil, nil)
	}

	guest := deps.GuestCheckout
	if guest == nil && deps.Customers != nil {
		strategy, err := NewDefaultGuestCheckoutStrategy(deps.Customers, DefaultGuestCheckoutOptions(), utc, idGen)
		if err != nil {
			return nil, err
		}
		guest = strategy
	}

	active := deps.ActiveOrders
	if active == nil {
		active = SessionActiveOrderStrategy{Orders: deps.Orders}
	}

	codes := deps.OrderCodes
	if codes == nil {
		codes = RandomOrderCodeStrategy{}
	}

	locker := deps.Locker
	if locker == nil {
		locker = noopLocker{}
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	cfg := deps.Config
	if len(cfg.ModifiableStates) == 0 {
		cfg.ModifiableStates = []domain.OrderState{domain.OrderStateAddingItems, domain.OrderStateDraft}
	}
	if cfg.AnonymousOrderAccessWindow <= 0 {
		cfg.AnonymousOrderAccessWindow = defaultAnonymousOrderAccessWindow
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = defaultConflictRetries
	}

	return &orderService{
		orders:         deps.Orders,
		variants:       deps.Variants,
		promotions:     deps.Promotions,
		customers:      deps.Customers,
		methods:        deps.ShippingMethods,
		channels:       deps.Channels,
		calculator:     deps.Calculator,
		fsm:            fsm,
		fulfillmentFSM: fulfillmentFSM,
		engine:         engine,
		shipping:       shippingRegistry,
		payments:       deps.Payments,
		fulfillments:   fulfillmentRegistry,
		stock:          deps.Stock,
		guest:          guest,
		active:         active,
		codes:          codes,
		sanitizer:      deps.Sanitizer,
		locker:         locker,
		unitOfWork:     unit,
		events:         deps.Events,
		metrics:        metrics,
		cfg:            cfg,
		clock:          utc,
		newID:          idGen,
		logger:         logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, rc RequestContext) (domain.Order, error) {
	return s.createOrder(ctx, rc, domain.OrderStateAddingItems)
}

func (s *orderService) CreateDraftOrder(ctx context.Context, rc RequestContext) (domain.Order, error) {
	return s.createOrder(ctx, rc, domain.OrderStateDraft)
}

func (s *orderService) createOrder(ctx context.Context, rc RequestContext, state domain.OrderState) (domain.Order, error) {
	channel, err := s.channels.Channel(ctx, rc.ChannelID)
	if err != nil {
		return domain.Order{}, err
	}
	now := s.now()
	order := domain.Order{
		ID:               s.nextID(orderIDPrefix),
		State:            state,
		Active:           state == domain.OrderStateAddingItems,
		ChannelID:        channel.ID,
		CurrencyCode:     channel.CurrencyCode,
		PricesIncludeTax: channel.PricesIncludeTax,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if rc.CustomerID != "" && state != domain.OrderStateDraft && s.customers != nil {
		customer, err := s.customers.FindByID(ctx, rc.CustomerID)
		if err != nil {
			return domain.Order{}, s.mapRepositoryError(err)
		}
		order.CustomerID = customer.ID
		order.Customer = &customer
	}
	code, err := s.codes.Generate(ctx, order)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order: generate code: %w", err)
	}
	order.Code = code

	if err := s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.calculator.Recalculate(txCtx, rc, &order); err != nil {
			return err
		}
		return s.orders.Insert(txCtx, order)
	}); err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:         orderEventCreated,
		OrderID:      order.ID,
		OrderCode:    order.Code,
		CurrentState: string(order.State),
		ActorID:      actorID(rc),
		OccurredAt:   now,
	})
	return order, nil
}

// ActiveOrder returns the order bound to the request's session or token. A bound order that
// belongs to a different signed-in customer is ignored.
func (s *orderService) ActiveOrder(ctx context.Context, rc RequestContext, create bool) (ActiveOrder, error) {
	orderID, err := s.active.Resolve(ctx, rc)
	if err != nil {
		return ActiveOrder{}, err
	}
	if orderID != "" {
		order, err := s.orders.FindByID(ctx, orderID)
		switch {
		case err == nil:
			if order.Active && order.State != domain.OrderStateDraft && mayResume(rc, order) {
				return ActiveOrder{Order: order, Token: rc.OrderToken, Found: true}, nil
			}
		case !repositories.IsNotFound(err):
			return ActiveOrder{}, s.mapRepositoryError(err)
		}
	}
	if !create {
		return ActiveOrder{}, nil
	}
	order, err := s.CreateOrder(ctx, rc)
	if err != nil {
		return ActiveOrder{}, err
	}
	token, err := s.active.Bind(ctx, rc, order)
	if err != nil {
		return ActiveOrder{}, err
	}
	return ActiveOrder{Order: order, Token: token, Found: true}, nil
}

// mayResume reports whether rc may keep using a bound order. Guests are trusted through the
// session or token binding even after checkout attaches a customer to the order.
func mayResume(rc RequestContext, order domain.Order) bool {
	if rc.Admin || rc.CustomerID == "" || order.CustomerID == "" {
		return true
	}
	return order.CustomerID == rc.CustomerID
}

func (s *orderService) FindOne(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

// FindByCode looks an order up by its code. Admins and the owning customer always see it. Other
// signed-in customers are refused, and anonymous callers only within AnonymousOrderAccessWindow,
// measured from OrderPlacedAt or from CreatedAt while the order is not yet placed.
func (s *orderService) FindByCode(ctx context.Context, rc RequestContext, code string) (domain.Order, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Order{}, fmt.Errorf("%w: order code is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByCode(ctx, code)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if rc.Admin || (order.CustomerID != "" && order.CustomerID == rc.CustomerID) {
		return order, nil
	}
	if rc.CustomerID != "" {
		return domain.Order{}, fmt.Errorf("%w: order %s", ErrOrderForbidden, code)
	}
	since := order.CreatedAt
	if order.OrderPlacedAt != nil {
		since = *order.OrderPlacedAt
	}
	if s.now().Sub(since) > s.cfg.AnonymousOrderAccessWindow {
		return domain.Order{}, fmt.Errorf("%w: order %s", ErrOrderForbidden, code)
	}
	return order, nil
}

func (s *orderService) FindByCustomerID(ctx context.Context, customerID string, filter repositories.OrderListFilter) ([]domain.Order, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	orders, err := s.orders.ListByCustomer(ctx, customerID, filter)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return slices.DeleteFunc(orders, func(o domain.Order) bool {
		return o.State == domain.OrderStateDraft
	}), nil
}

// errMutationRolledBack aborts the transaction of an attempt whose transition was vetoed after its
// effects had staged writes.
var errMutationRolledBack = errors.New("order: mutation rolled back")

// maxRollbackReplays bounds how often one mutation is replayed after effect vetoes.
const maxRollbackReplays = 3

type transitionKey struct {
	from, to domain.OrderState
}

// mutation is the working state of a single attempt at changing an order. vetoed is shared by
// every attempt of the same call.
type mutation struct {
	rc       RequestContext
	order    domain.Order
	orderErr *OrderError
	save     bool
	rollback bool
	events   []OrderEvent
	outcome  TransitionOutcome
	vetoed   map[transitionKey]*OrderError
}

func (m *mutation) fail(err *OrderError) {
	m.orderErr = err
}

func (m *mutation) emit(event OrderEvent) {
	m.events = append(m.events, event)
}

// mutate serialises changes to one order: it takes the order lock, then loads, changes and saves
// the order in a transaction, retrying the whole attempt on version conflicts. An attempt whose
// transition is vetoed by an effect is rolled back and replayed with that transition failing up
// front, so nothing the effects staged is committed. Events are published only after a
// successful commit.
func (s *orderService) mutate(ctx context.Context, rc RequestContext, op, orderID string, fn func(context.Context, *mutation) error) (OrderResult, error) {
	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return OrderResult{}, err
	}
	defer unlock()
	return s.mutateLocked(ctx, rc, op, orderID, fn)
}

func (s *orderService) mutateLocked(ctx context.Context, rc RequestContext, op, orderID string, fn func(context.Context, *mutation) error) (OrderResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return OrderResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	ctx, span := serviceTracer.Start(ctx, "order."+op)
	defer span.End()

	var m *mutation
	vetoed := map[transitionKey]*OrderError{}
	attempt := func(ctx context.Context) error {
		return s.runInTx(ctx, func(txCtx context.Context) error {
			m = &mutation{rc: rc, vetoed: vetoed}
			order, err := s.orders.FindByID(txCtx, orderID)
			if err != nil {
				return err
			}
			m.order = order
			if err := fn(txCtx, m); err != nil {
				return err
			}
			if m.rollback {
				return errMutationRolledBack
			}
			if !m.save {
				return nil
			}
			m.order.Version = order.Version + 1
			m.order.UpdatedAt = s.now()
			return s.orders.Update(txCtx, m.order)
		})
	}
	err := s.retryOnConflict(ctx, attempt)
	for replays := 0; errors.Is(err, errMutationRolledBack) && replays < maxRollbackReplays; replays++ {
		err = s.retryOnConflict(ctx, attempt)
	}
	if err != nil {
		span.RecordError(err)
		return OrderResult{}, s.mapRepositoryError(err)
	}

	result := OrderResult{Error: m.orderErr}
	if m.save || m.orderErr.Partial() {
		result.Order = m.order
	}
	if m.orderErr != nil {
		s.metrics.RecordOrderError(ctx, op, string(m.orderErr.Code))
	}
	if m.save {
		for _, event := range m.events {
			s.publishEvent(ctx, event)
		}
		if len(m.outcome.Movements) > 0 {
			s.publishEvent(ctx, OrderEvent{
				Type:         stockEventMovementsApplied,
				OrderID:      m.order.ID,
				OrderCode:    m.order.Code,
				CurrentState: string(m.order.State),
				ActorID:      actorID(rc),
				OccurredAt:   s.now(),
				Metadata:     map[string]any{"movements": movementSummary(m.outcome.Movements)},
			})
		}
	}
	return result, nil
}

// loadLocked reads an order outside a transaction for calls that must reach external systems
// before the mutation commits.
func (s *orderService) loadLocked(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.orders.FindByID(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

// transition runs the order state machine inside a mutation and records its side effects.
func (s *orderService) transition(ctx context.Context, m *mutation, to domain.OrderState) (bool, error) {
	from := m.order.State
	key := transitionKey{from: from, to: to}
	if orderErr, ok := m.vetoed[key]; ok {
		m.fail(orderErr)
		return false, nil
	}
	wasPlaced := m.order.OrderPlacedAt != nil
	orderErr, err := s.fsm.Transition(ctx, m.rc, &m.order, to, &m.outcome)
	if err != nil {
		return false, err
	}
	if orderErr != nil {
		s.logger(ctx, "order.transition.vetoed", map[string]any{
			"order":  m.order.ID,
			"from":   string(from),
			"to":     string(to),
			"reason": orderErr.TransitionError,
		})
		if m.outcome.Reverted && m.vetoed != nil {
			m.vetoed[key] = orderErr
			m.rollback = true
		}
		m.fail(orderErr)
		return false, nil
	}
	m.save = true
	s.metrics.RecordTransition(ctx, string(from), string(to))
	m.emit(OrderEvent{
		Type:          orderEventStateTransitioned,
		OrderID:       m.order.ID,
		OrderCode:     m.order.Code,
		PreviousState: string(from),
		CurrentState:  string(to),
		ActorID:       actorID(m.rc),
		OccurredAt:    s.now(),
	})
	if !wasPlaced && m.order.OrderPlacedAt != nil {
		if err := s.recordPromotionUsage(ctx, m.order); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *orderService) recordPromotionUsage(ctx context.Context, order domain.Order) error {
	if s.promotions == nil {
		return nil
	}
	for _, applied := range order.Promotions {
		if err := s.promotions.RecordUsage(ctx, repositories.PromotionUsage{
			PromotionID: applied.PromotionID,
			CustomerID:  order.CustomerID,
			OrderID:     order.ID,
			UsedAt:      s.now(),
		}); err != nil {
			return fmt.Errorf("order: record promotion usage: %w", err)
		}
	}
	return nil
}

func (s *orderService) recalculate(ctx context.Context, m *mutation) error {
	if err := s.calculator.Recalculate(ctx, m.rc, &m.order); err != nil {
		return err
	}
	m.save = true
	return nil
}

func (s *orderService) modifiable(order domain.Order) bool {
	return slices.Contains(s.cfg.ModifiableStates, order.State)
}

func (s *orderService) lock(ctx context.Context, orderID string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("order: lock %s: %w", orderID, err)
	}
	return unlock, nil
}

// retryOnConflict re-runs fn when the repository reports an optimistic concurrency conflict.
func (s *orderService) retryOnConflict(ctx context.Context, fn func(context.Context) error) error {
	attempts := 0
	return gax.Invoke(ctx, func(ctx context.Context, _ gax.CallSettings) error {
		attempts++
		return fn(ctx)
	}, gax.WithRetry(func() gax.Retryer {
		return gax.OnErrorFunc(gax.Backoff{
			Initial:    20 * time.Millisecond,
			Max:        250 * time.Millisecond,
			Multiplier: 2,
		}, func(err error) bool {
			return repositories.IsConflict(err) && attempts < s.cfg.ConflictRetries
		})
	}))
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextID(prefix string) string {
	return prefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
			"state": event.CurrentState,
		})
	}
}

func (s *orderService) sanitize(value string) string {
	value = strings.TrimSpace(value)
	if s.sanitizer == nil {
		return value
	}
	return s.sanitizer.Sanitize(value)
}

func (s *orderService) sanitizeFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if str, ok := v.(string); ok {
			out[k] = s.sanitize(str)
			continue
		}
		out[k] = v
	}
	return out
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func actorID(rc RequestContext) string {
	if rc.UserID != "" {
		return rc.UserID
	}
	return rc.CustomerID
}

// customFieldsEqual compares custom field maps deeply, treating nil and empty as equal.
func customFieldsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func movementSummary(movements []domain.StockMovement) []map[string]any {
	out := make([]map[string]any, 0, len(movements))
	for _, mv := range movements {
		out = append(out, map[string]any{
			"id":        mv.ID,
			"type":      string(mv.Type),
			"variantId": mv.ProductVariantID,
			"location":  mv.StockLocationID,
			"quantity":  mv.Quantity,
			"lineId":    mv.OrderLineID,
		})
	}
	return out
}

func cloneAddress(addr *domain.Address) *domain.Address {
	if addr == nil {
		return nil
	}
	cloned := *addr
	return &cloned
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return maps.Clone(src)
}

func mergeMaps(base, extra map[string]any) map[string]any {
	if base == nil && extra == nil {
		return nil
	}
	out := cloneMap(base)
	if out == nil {
		out = map[string]any{}
	}
	maps.Copy(out, extra)
	return out
}

func ensureMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	return src
}
