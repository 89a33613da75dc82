package services

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/fulfillment"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/repositories"
	"github.com/hanko-field/orders/internal/shipping"
)

const (
	testChannelID  = "default"
	testZoneID     = "zone-us"
	testVariantID  = "var_mug"
	testLocationID = "loc-main"
	testMethodID   = "ship_flat"
)

type memOrderRepo struct {
	mu      sync.Mutex
	orders  map[string]domain.Order
	updates int
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: map[string]domain.Order{}}
}

func (r *memOrderRepo) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; ok {
		return repositories.NewConflictError("orders.insert", fmt.Errorf("order %s exists", order.ID))
	}
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *memOrderRepo) Update(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.orders[order.ID]
	if !ok {
		return repositories.NewNotFoundError("orders.update", "order not found")
	}
	if stored.Version != order.Version-1 {
		return repositories.NewConflictError("orders.update", fmt.Errorf("order %s version %d is stale", order.ID, order.Version))
	}
	r.orders[order.ID] = cloneOrder(order)
	r.updates++
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.find", "order not found")
	}
	return cloneOrder(order), nil
}

func (r *memOrderRepo) FindByCode(_ context.Context, code string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if order.Code == code {
			return cloneOrder(order), nil
		}
	}
	return domain.Order{}, repositories.NewNotFoundError("orders.find_by_code", "order not found")
}

func (r *memOrderRepo) ListByCustomer(_ context.Context, customerID string, filter repositories.OrderListFilter) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if order.CustomerID != customerID {
			continue
		}
		if len(filter.States) > 0 && !slices.Contains(filter.States, order.State) {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	slices.SortFunc(out, func(a, b domain.Order) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memOrderRepo) get(t *testing.T, orderID string) domain.Order {
	t.Helper()
	order, err := r.FindByID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("expected stored order %s: %v", orderID, err)
	}
	return order
}

func cloneOrder(order domain.Order) domain.Order {
	order.Lines = slices.Clone(order.Lines)
	for i := range order.Lines {
		order.Lines[i].Discounts = slices.Clone(order.Lines[i].Discounts)
		order.Lines[i].TaxLines = slices.Clone(order.Lines[i].TaxLines)
	}
	order.ShippingLines = slices.Clone(order.ShippingLines)
	order.Payments = slices.Clone(order.Payments)
	for i := range order.Payments {
		order.Payments[i].Refunds = slices.Clone(order.Payments[i].Refunds)
	}
	order.Surcharges = slices.Clone(order.Surcharges)
	order.Fulfillments = slices.Clone(order.Fulfillments)
	order.CouponCodes = slices.Clone(order.CouponCodes)
	order.Promotions = slices.Clone(order.Promotions)
	order.Discounts = slices.Clone(order.Discounts)
	order.TaxSummary = slices.Clone(order.TaxSummary)
	order.CustomFields = cloneMap(order.CustomFields)
	if order.Customer != nil {
		c := *order.Customer
		order.Customer = &c
	}
	order.ShippingAddress = cloneAddress(order.ShippingAddress)
	order.BillingAddress = cloneAddress(order.BillingAddress)
	return order
}

type memVariantRepo struct {
	variants map[string]domain.ProductVariant
}

func (r *memVariantRepo) FindByID(_ context.Context, variantID string) (domain.ProductVariant, error) {
	v, ok := r.variants[variantID]
	if !ok {
		return domain.ProductVariant{}, repositories.NewNotFoundError("variants.find", "variant not found")
	}
	return v, nil
}

type memTaxRateRepo struct {
	rates []domain.TaxRate
}

func (r *memTaxRateRepo) FindApplicable(_ context.Context, categoryID, zoneID, customerGroupID string) (domain.TaxRate, error) {
	var fallback *domain.TaxRate
	for i, rate := range r.rates {
		if !rate.Enabled || rate.CategoryID != categoryID || rate.ZoneID != zoneID {
			continue
		}
		if customerGroupID != "" && rate.CustomerGroupID == customerGroupID {
			return rate, nil
		}
		if rate.CustomerGroupID == "" {
			fallback = &r.rates[i]
		}
	}
	if fallback == nil {
		return domain.TaxRate{}, repositories.NewNotFoundError("tax_rates.find", "tax rate not found")
	}
	return *fallback, nil
}

type memPromotionRepo struct {
	mu         sync.Mutex
	promotions []domain.Promotion
	usages     []repositories.PromotionUsage
}

func (r *memPromotionRepo) ListEnabled(context.Context) ([]domain.Promotion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Promotion
	for _, p := range r.promotions {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memPromotionRepo) FindByCouponCode(_ context.Context, code string) (domain.Promotion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.promotions {
		if p.CouponCode != "" && strings.EqualFold(p.CouponCode, code) {
			return p, nil
		}
	}
	return domain.Promotion{}, repositories.NewNotFoundError("promotions.find_by_coupon", "promotion not found")
}

func (r *memPromotionRepo) CountUsage(_ context.Context, promotionID, customerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, u := range r.usages {
		if u.PromotionID == promotionID && u.CustomerID == customerID {
			count++
		}
	}
	return count, nil
}

func (r *memPromotionRepo) RecordUsage(_ context.Context, usage repositories.PromotionUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usages = append(r.usages, usage)
	for i := range r.promotions {
		if r.promotions[i].ID == usage.PromotionID {
			r.promotions[i].UsageCount++
		}
	}
	return nil
}

type memShippingMethodRepo struct {
	methods []domain.ShippingMethod
}

func (r *memShippingMethodRepo) FindByID(_ context.Context, methodID string) (domain.ShippingMethod, error) {
	for _, m := range r.methods {
		if m.ID == methodID {
			return m, nil
		}
	}
	return domain.ShippingMethod{}, repositories.NewNotFoundError("shipping_methods.find", "shipping method not found")
}

func (r *memShippingMethodRepo) ListEnabled(context.Context) ([]domain.ShippingMethod, error) {
	var out []domain.ShippingMethod
	for _, m := range r.methods {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out, nil
}

type memCustomerRepo struct {
	mu        sync.Mutex
	customers map[string]domain.Customer
}

func newMemCustomerRepo() *memCustomerRepo {
	return &memCustomerRepo{customers: map[string]domain.Customer{}}
}

func (r *memCustomerRepo) FindByID(_ context.Context, customerID string) (domain.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.customers[customerID]
	if !ok {
		return domain.Customer{}, repositories.NewNotFoundError("customers.find", "customer not found")
	}
	return c, nil
}

func (r *memCustomerRepo) FindByEmail(_ context.Context, email string) (domain.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.customers {
		if strings.EqualFold(c.Email, email) {
			return c, nil
		}
	}
	return domain.Customer{}, repositories.NewNotFoundError("customers.find_by_email", "customer not found")
}

func (r *memCustomerRepo) FindByUserID(_ context.Context, userID string) (domain.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.customers {
		if c.UserID == userID {
			return c, nil
		}
	}
	return domain.Customer{}, repositories.NewNotFoundError("customers.find_by_user", "customer not found")
}

func (r *memCustomerRepo) Insert(_ context.Context, customer domain.Customer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customers[customer.ID] = customer
	return nil
}

func (r *memCustomerRepo) Update(_ context.Context, customer domain.Customer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customers[customer.ID] = customer
	return nil
}

// memStockRepo applies stock changes atomically and enforces the same counter rules as the
// persistent adapters.
type memStockRepo struct {
	mu        sync.Mutex
	levels    map[string]map[string]domain.StockLevel
	movements []domain.StockMovement
	applyErr  error
}

func newMemStockRepo() *memStockRepo {
	return &memStockRepo{levels: map[string]map[string]domain.StockLevel{}}
}

func (r *memStockRepo) setLevel(variantID, locationID string, onHand, allocated int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.levels[variantID] == nil {
		r.levels[variantID] = map[string]domain.StockLevel{}
	}
	r.levels[variantID][locationID] = domain.StockLevel{
		ProductVariantID: variantID,
		StockLocationID:  locationID,
		StockOnHand:      onHand,
		StockAllocated:   allocated,
	}
}

func (r *memStockRepo) level(variantID, locationID string) domain.StockLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[variantID][locationID]
}

func (r *memStockRepo) Levels(_ context.Context, variantID string) ([]domain.StockLevel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.StockLevel, 0, len(r.levels[variantID]))
	for _, level := range r.levels[variantID] {
		out = append(out, level)
	}
	slices.SortFunc(out, func(a, b domain.StockLevel) int { return strings.Compare(a.StockLocationID, b.StockLocationID) })
	return out, nil
}

func (r *memStockRepo) ListMovements(_ context.Context, orderID string) ([]domain.StockMovement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.StockMovement
	for _, mv := range r.movements {
		if mv.OrderID == orderID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (r *memStockRepo) ApplyChanges(_ context.Context, changes []repositories.StockChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applyErr != nil {
		return r.applyErr
	}
	staged := map[string]map[string]domain.StockLevel{}
	for variantID, byLocation := range r.levels {
		staged[variantID] = map[string]domain.StockLevel{}
		for loc, level := range byLocation {
			staged[variantID][loc] = level
		}
	}
	for _, change := range changes {
		mv := change.Movement
		if staged[mv.ProductVariantID] == nil {
			staged[mv.ProductVariantID] = map[string]domain.StockLevel{}
		}
		level, ok := staged[mv.ProductVariantID][mv.StockLocationID]
		if !ok {
			if change.Enforce {
				return repositories.NewStockError(repositories.StockErrorLevelNotFound, mv.ProductVariantID, mv.StockLocationID)
			}
			level = domain.StockLevel{ProductVariantID: mv.ProductVariantID, StockLocationID: mv.StockLocationID}
		}
		level.StockAllocated += change.AllocatedDelta()
		level.StockOnHand += change.OnHandDelta()
		if change.Enforce && level.StockAllocated > level.StockOnHand {
			return repositories.NewStockError(repositories.StockErrorInsufficient, mv.ProductVariantID, mv.StockLocationID)
		}
		if level.StockAllocated < 0 {
			return repositories.NewStockError(repositories.StockErrorNegative, mv.ProductVariantID, mv.StockLocationID)
		}
		staged[mv.ProductVariantID][mv.StockLocationID] = level
	}
	r.levels = staged
	for _, change := range changes {
		r.movements = append(r.movements, change.Movement)
	}
	return nil
}

func (r *memStockRepo) snapshot() (map[string]map[string]domain.StockLevel, []domain.StockMovement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	levels := make(map[string]map[string]domain.StockLevel, len(r.levels))
	for variantID, byLocation := range r.levels {
		levels[variantID] = maps.Clone(byLocation)
	}
	return levels, slices.Clone(r.movements)
}

func (r *memStockRepo) restore(levels map[string]map[string]domain.StockLevel, movements []domain.StockMovement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = levels
	r.movements = movements
}

func (r *memOrderRepo) snapshot() map[string]domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.Order, len(r.orders))
	for id, order := range r.orders {
		out[id] = cloneOrder(order)
	}
	return out
}

func (r *memOrderRepo) restore(orders map[string]domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = orders
}

// snapshotUnitOfWork restores orders and stock when fn fails, like an aborted transaction.
type snapshotUnitOfWork struct {
	orders    *memOrderRepo
	stock     *memStockRepo
	rollbacks int
}

func (u *snapshotUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	orders := u.orders.snapshot()
	levels, movements := u.stock.snapshot()
	if err := fn(ctx); err != nil {
		u.orders.restore(orders)
		u.stock.restore(levels, movements)
		u.rollbacks++
		return err
	}
	return nil
}

type memSessionStore struct {
	sessions map[string]string
}

func (s *memSessionStore) ActiveOrderID(_ context.Context, sessionID string) (string, error) {
	return s.sessions[sessionID], nil
}

func (s *memSessionStore) SetActiveOrderID(_ context.Context, sessionID, orderID string) error {
	s.sessions[sessionID] = orderID
	return nil
}

func (s *memSessionStore) ClearActiveOrder(_ context.Context, sessionID string) error {
	delete(s.sessions, sessionID)
	return nil
}

type captureEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) New() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%06d", s.next)
}

// testEnv is an order service backed by in-memory repositories: one channel pricing tax exclusive
// in USD, one mug at 1000 taxed at 20% with 100 units in stock, and a flat 500 shipping method.
type testEnv struct {
	svc        OrderService
	calculator *OrderCalculator
	stockMgr   *StockAllocationManager
	orders     *memOrderRepo
	variants   *memVariantRepo
	taxRates   *memTaxRateRepo
	promotions *memPromotionRepo
	methods    *memShippingMethodRepo
	customers  *memCustomerRepo
	stock      *memStockRepo
	sessions   *memSessionStore
	events     *captureEvents
	clock      *fakeClock
	channel    domain.Channel
	unit       *snapshotUnitOfWork
	effects    []TransitionEffect
}

type testOption func(*testEnv, *OrderServiceDeps)

func withPricesIncludingTax() testOption {
	return func(env *testEnv, _ *OrderServiceDeps) {
		env.channel.PricesIncludeTax = true
	}
}

func withUnitOfWork() testOption {
	return func(env *testEnv, deps *OrderServiceDeps) {
		env.unit = &snapshotUnitOfWork{orders: env.orders, stock: env.stock}
		deps.UnitOfWork = env.unit
	}
}

// withTransitionEffects registers effects that run after the stock effect.
func withTransitionEffects(effects ...TransitionEffect) testOption {
	return func(env *testEnv, _ *OrderServiceDeps) {
		env.effects = append(env.effects, effects...)
	}
}

func withFulfillmentHandlers(handlers ...fulfillment.Handler) testOption {
	return func(_ *testEnv, deps *OrderServiceDeps) {
		deps.FulfillmentKit = fulfillment.NewRegistry(handlers...)
	}
}

func withConfig(cfg OrderServiceConfig) testOption {
	return func(_ *testEnv, deps *OrderServiceDeps) {
		deps.Config = cfg
	}
}

func withPayments(handlers ...payments.Handler) testOption {
	return func(_ *testEnv, deps *OrderServiceDeps) {
		registry, err := payments.NewRegistry(handlers...)
		if err != nil {
			panic(err)
		}
		deps.Payments = registry
	}
}

func newTestEnv(t *testing.T, opts ...testOption) *testEnv {
	t.Helper()
	env := &testEnv{
		orders: newMemOrderRepo(),
		variants: &memVariantRepo{variants: map[string]domain.ProductVariant{
			testVariantID: {
				ID:             testVariantID,
				ProductID:      "prod_mug",
				SKU:            "MUG-1",
				Name:           "Mug",
				Price:          1000,
				TaxCategoryID:  "standard",
				Enabled:        true,
				TrackInventory: true,
			},
		}},
		taxRates: &memTaxRateRepo{rates: []domain.TaxRate{{
			ID:         "tax_std",
			Name:       "Standard",
			CategoryID: "standard",
			ZoneID:     testZoneID,
			Value:      decimal.NewFromInt(20),
			Enabled:    true,
		}}},
		promotions: &memPromotionRepo{},
		methods: &memShippingMethodRepo{methods: []domain.ShippingMethod{{
			ID:         testMethodID,
			Code:       "flat",
			Name:       "Flat rate",
			Enabled:    true,
			Calculator: domain.ConfigurableOperation{Code: "flat_rate", Args: map[string]string{"price": "500"}},
		}}},
		customers: newMemCustomerRepo(),
		stock:     newMemStockRepo(),
		sessions:  &memSessionStore{sessions: map[string]string{}},
		events:    &captureEvents{},
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		channel: domain.Channel{
			ID:               testChannelID,
			Code:             "web",
			CurrencyCode:     "USD",
			DefaultTaxZoneID: testZoneID,
			TrackInventory:   true,
		},
	}
	env.stock.setLevel(testVariantID, testLocationID, 100, 0)

	ids := &sequenceIDs{}
	deps := OrderServiceDeps{
		Orders:          env.orders,
		Variants:        env.variants,
		Promotions:      env.promotions,
		Customers:       env.customers,
		ShippingMethods: env.methods,
		ActiveOrders:    SessionActiveOrderStrategy{Sessions: env.sessions, Orders: env.orders},
		Events:          env.events,
		Clock:           env.clock.Now,
		IDGenerator:     ids.New,
	}
	withPayments(payments.ManualHandler{MethodCode: "manual", AutoSettle: true}, payments.ManualHandler{MethodCode: "invoice"})(env, &deps)
	for _, opt := range opts {
		opt(env, &deps)
	}

	channels := StaticChannels{Default: env.channel}
	taxes, err := NewTaxCalculator(env.taxRates, nil)
	if err != nil {
		t.Fatalf("unexpected tax calculator error: %v", err)
	}
	engine := NewPromotionEngine(env.clock.Now, nil, nil)
	registry := shipping.NewRegistry(nil, nil)
	calculator, err := NewOrderCalculator(OrderCalculatorDeps{
		Channels:        channels,
		Variants:        env.variants,
		Promotions:      env.promotions,
		ShippingMethods: env.methods,
		Taxes:           taxes,
		Shipping:        registry,
		Engine:          engine,
	})
	if err != nil {
		t.Fatalf("unexpected calculator error: %v", err)
	}
	stock, err := NewStockAllocationManager(StockAllocationDeps{
		Stock:          env.stock,
		Variants:       env.variants,
		Strategy:       DefaultStockLocationStrategy{DefaultLocationID: testLocationID},
		TrackInventory: env.channel.TrackInventory,
		Clock:          env.clock.Now,
		IDGenerator:    ids.New,
	})
	if err != nil {
		t.Fatalf("unexpected stock manager error: %v", err)
	}
	fsm, err := NewOrderStateMachine(OrderStateMachineDeps{
		Checks:  DefaultOrderProcess(env.variants, OrderProcessOptions{}),
		Effects: append([]TransitionEffect{StockTransitionEffect(stock, DefaultStockAllocationTiming{})}, env.effects...),
		Clock:   env.clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected state machine error: %v", err)
	}

	deps.Channels = channels
	deps.Calculator = calculator
	deps.StateMachine = fsm
	deps.Engine = engine
	deps.Shipping = registry
	deps.Stock = stock

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	env.svc = svc
	env.calculator = calculator
	env.stockMgr = stock
	return env
}

func (env *testEnv) newOrder(t *testing.T, rc RequestContext) domain.Order {
	t.Helper()
	order, err := env.svc.CreateOrder(context.Background(), rc)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return order
}

func (env *testEnv) addItem(t *testing.T, orderID string, quantity int) OrderResult {
	t.Helper()
	res, err := env.svc.AddItemToOrder(context.Background(), RequestContext{}, orderID, AddItemInput{
		ProductVariantID: testVariantID,
		Quantity:         quantity,
	})
	if err != nil {
		t.Fatalf("unexpected add item error: %v", err)
	}
	return res
}

// checkoutReady fills in the guest customer, address and shipping method needed to leave AddingItems.
func (env *testEnv) checkoutReady(t *testing.T, orderID string) domain.Order {
	t.Helper()
	ctx := context.Background()
	steps := []func() (OrderResult, error){
		func() (OrderResult, error) {
			return env.svc.SetCustomerForOrder(ctx, RequestContext{}, orderID, CustomerInput{
				Email: "Guest@Example.com", FirstName: "Ada", LastName: "Lovelace",
			})
		},
		func() (OrderResult, error) {
			return env.svc.SetOrderShippingAddress(ctx, RequestContext{}, orderID, domain.Address{
				FullName: "Ada Lovelace", StreetLine1: "1 Main St", City: "Springfield", PostalCode: "12345", CountryCode: "us",
			})
		},
		func() (OrderResult, error) {
			return env.svc.SetOrderShippingMethod(ctx, RequestContext{}, orderID, []string{testMethodID})
		},
	}
	var last OrderResult
	for i, step := range steps {
		res, err := step()
		if err != nil {
			t.Fatalf("checkout step %d: unexpected error: %v", i, err)
		}
		if res.Error != nil {
			t.Fatalf("checkout step %d: unexpected order error: %v", i, res.Error)
		}
		last = res
	}
	return last.Order
}
