package di

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/fulfillment"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/platform/config"
	"github.com/hanko-field/orders/internal/platform/events"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/platform/idempotency"
	"github.com/hanko-field/orders/internal/platform/locking"
	"github.com/hanko-field/orders/internal/platform/observability"
	"github.com/hanko-field/orders/internal/platform/ordertoken"
	"github.com/hanko-field/orders/internal/platform/textutil"
	"github.com/hanko-field/orders/internal/repositories"
	firestoreRepo "github.com/hanko-field/orders/internal/repositories/firestore"
	mysqlRepo "github.com/hanko-field/orders/internal/repositories/mysql"
	redisRepo "github.com/hanko-field/orders/internal/repositories/redis"
	"github.com/hanko-field/orders/internal/services"
	"github.com/hanko-field/orders/internal/shipping"
)

const meterName = "github.com/hanko-field/orders"

// Container wires repositories, services, and infrastructure clients for runtime use.
type Container struct {
	Config      config.Config
	Orders      services.OrderService
	Customers   repositories.CustomerRepository
	Idempotency idempotency.Store

	// Readiness holds one probe per external dependency.
	Readiness map[string]func(ctx context.Context) error

	firestore *pfirestore.Provider
	redis     *redis.Client
	mysql     *sql.DB
	pubsub    *pubsub.Client
	topic     *pubsub.Topic
	logger    *zap.Logger
}

// NewContainer constructs the runtime dependencies from configuration. Redis, MySQL, Pub/Sub and
// Stripe are optional and fall back to in-process or disabled implementations.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *Container, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Container{
		Config:    cfg,
		Readiness: make(map[string]func(ctx context.Context) error),
		logger:    logger,
	}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	var firestoreOpts []pfirestore.ProviderOption
	if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
		firestoreOpts = append(firestoreOpts, pfirestore.WithClientOptions(option.WithCredentialsFile(file)))
	}
	c.firestore = pfirestore.NewProvider(cfg.Firestore, firestoreOpts...)
	if _, err := c.firestore.Client(ctx); err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	c.Readiness["firestore"] = c.firestore.Ping

	repos, err := newFirestoreRepositories(c.firestore)
	if err != nil {
		return nil, err
	}
	c.Customers = repos.customers

	var (
		locker   services.OrderLocker = locking.NewMemoryLocker()
		sessions repositories.SessionStore
	)
	c.Idempotency = idempotency.NewMemoryStore()
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		c.redis = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		c.Readiness["redis"] = func(ctx context.Context) error { return c.redis.Ping(ctx).Err() }

		redisLocker, err := locking.NewRedisLocker(c.redis,
			locking.WithTTL(cfg.Redis.LockTTL),
			locking.WithLogger(observability.EventLogger(logger, "locking")),
		)
		if err != nil {
			return nil, err
		}
		locker = redisLocker
		if sessions, err = redisRepo.NewSessionStore(c.redis, cfg.Redis.SessionTTL); err != nil {
			return nil, err
		}
		if c.Idempotency, err = idempotency.NewRedisStore(c.redis, ""); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("redis not configured; order locks, sessions and idempotency keys are process local")
	}

	var stock repositories.StockRepository = repos.stock
	if cfg.Stock.Backend == "mysql" {
		if c.mysql, err = mysqlRepo.Open(cfg.MySQL.DSN, cfg.MySQL.MaxOpenConns); err != nil {
			return nil, err
		}
		c.Readiness["mysql"] = c.mysql.PingContext
		sqlStock, err := mysqlRepo.NewStockRepository(c.mysql)
		if err != nil {
			return nil, err
		}
		if err := sqlStock.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("mysql stock migrate: %w", err)
		}
		stock = sqlStock
	}

	var publisher services.OrderEventPublisher
	if projectID := strings.TrimSpace(cfg.PubSub.ProjectID); projectID != "" {
		if c.pubsub, err = pubsub.NewClient(ctx, projectID); err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		c.topic = c.pubsub.Topic(cfg.PubSub.Topic)
		if publisher, err = events.NewPubSubPublisher(c.topic); err != nil {
			return nil, err
		}
	}

	paymentRegistry, err := newPaymentRegistry(cfg.PSP, logger)
	if err != nil {
		return nil, err
	}

	activeOrders, err := newActiveOrderStrategy(cfg.Orders, sessions, repos.orders)
	if err != nil {
		return nil, err
	}

	var codes services.OrderCodeStrategy = services.RandomOrderCodeStrategy{}
	if cfg.Orders.CodeStrategy == "counter" {
		codes = services.CounterOrderCodeStrategy{Counters: repos.counters}
	}

	metrics := observability.NewOrderMetrics(otel.Meter(meterName), logger.Named("metrics"))
	c.Orders, err = buildOrderService(cfg, orderServiceInputs{
		repos:     repos,
		stock:     stock,
		sessions:  sessions,
		locker:    locker,
		publisher: publisher,
		payments:  paymentRegistry,
		active:    activeOrders,
		codes:     codes,
		metrics:   metrics,
		unit:      pfirestore.NewUnitOfWork(c.firestore),
		logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases infrastructure clients. It is safe to call on a partially built container.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.topic != nil {
		c.topic.Stop()
	}
	if c.pubsub != nil {
		errs = append(errs, c.pubsub.Close())
	}
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.mysql != nil {
		errs = append(errs, c.mysql.Close())
	}
	if c.firestore != nil {
		errs = append(errs, c.firestore.Close(ctx))
	}
	return errors.Join(errs...)
}

type firestoreRepositories struct {
	orders     *firestoreRepo.OrderRepository
	variants   *firestoreRepo.VariantRepository
	promotions *firestoreRepo.PromotionRepository
	customers  *firestoreRepo.CustomerRepository
	methods    *firestoreRepo.ShippingMethodRepository
	taxRates   *firestoreRepo.TaxRateRepository
	stock      *firestoreRepo.StockRepository
	counters   *firestoreRepo.CounterRepository
}

func newFirestoreRepositories(provider *pfirestore.Provider) (firestoreRepositories, error) {
	var (
		repos firestoreRepositories
		err   error
	)
	if repos.orders, err = firestoreRepo.NewOrderRepository(provider); err != nil {
		return repos, err
	}
	if repos.variants, err = firestoreRepo.NewVariantRepository(provider); err != nil {
		return repos, err
	}
	if repos.promotions, err = firestoreRepo.NewPromotionRepository(provider); err != nil {
		return repos, err
	}
	if repos.customers, err = firestoreRepo.NewCustomerRepository(provider); err != nil {
		return repos, err
	}
	if repos.methods, err = firestoreRepo.NewShippingMethodRepository(provider); err != nil {
		return repos, err
	}
	if repos.taxRates, err = firestoreRepo.NewTaxRateRepository(provider); err != nil {
		return repos, err
	}
	if repos.stock, err = firestoreRepo.NewStockRepository(provider); err != nil {
		return repos, err
	}
	if repos.counters, err = firestoreRepo.NewCounterRepository(provider); err != nil {
		return repos, err
	}
	return repos, nil
}

func newPaymentRegistry(cfg config.PSPConfig, logger *zap.Logger) (*payments.Registry, error) {
	handlers := []payments.Handler{
		payments.ManualHandler{MethodCode: "manual"},
		payments.ManualHandler{MethodCode: "cash", AutoSettle: true},
	}
	if key := strings.TrimSpace(cfg.StripeAPIKey); key != "" {
		stripeHandler, err := payments.NewStripeHandler(payments.StripeHandlerConfig{
			APIKey:        key,
			AccountID:     cfg.StripeAccountID,
			ManualCapture: cfg.StripeManualCapture,
			Logger:        observability.EventLogger(logger, "stripe"),
		})
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, stripeHandler)
	}
	return payments.NewRegistry(handlers...)
}

func newActiveOrderStrategy(cfg config.OrdersConfig, sessions repositories.SessionStore, orders repositories.OrderRepository) (services.ActiveOrderStrategy, error) {
	if cfg.ActiveOrderStrategy != "token" {
		return services.SessionActiveOrderStrategy{Sessions: sessions, Orders: orders}, nil
	}
	codec, err := ordertoken.NewCodec(cfg.TokenSecret, cfg.TokenTTL, nil)
	if err != nil {
		return nil, err
	}
	return services.TokenActiveOrderStrategy{Codec: codec}, nil
}

type orderServiceInputs struct {
	repos     firestoreRepositories
	stock     repositories.StockRepository
	sessions  repositories.SessionStore
	locker    services.OrderLocker
	publisher services.OrderEventPublisher
	payments  *payments.Registry
	active    services.ActiveOrderStrategy
	codes     services.OrderCodeStrategy
	metrics   services.OrderMetrics
	unit      repositories.UnitOfWork
	logger    *zap.Logger
}

func buildOrderService(cfg config.Config, in orderServiceInputs) (services.OrderService, error) {
	clock := func() time.Time { return time.Now().UTC() }

	channels, err := channelsFromConfig(cfg.Channel)
	if err != nil {
		return nil, err
	}
	taxes, err := services.NewTaxCalculator(in.repos.taxRates, services.CountryTaxZoneStrategy{CountryZones: cfg.Tax.CountryZones})
	if err != nil {
		return nil, err
	}
	engine := services.NewPromotionEngine(clock, services.DefaultPromotionConditions(), services.DefaultPromotionActions())
	shippingRegistry := shipping.NewRegistry(
		[]shipping.Checker{shipping.DefaultChecker{}, shipping.CountryChecker{}},
		[]shipping.Calculator{shipping.FlatRateCalculator{}, shipping.PerItemCalculator{}},
	)
	calculator, err := services.NewOrderCalculator(services.OrderCalculatorDeps{
		Channels:        channels,
		Variants:        in.repos.variants,
		Promotions:      in.repos.promotions,
		ShippingMethods: in.repos.methods,
		Taxes:           taxes,
		Shipping:        shippingRegistry,
		Engine:          engine,
	})
	if err != nil {
		return nil, err
	}

	stock, err := services.NewStockAllocationManager(services.StockAllocationDeps{
		Stock:          in.stock,
		Variants:       in.repos.variants,
		Strategy:       services.DefaultStockLocationStrategy{DefaultLocationID: cfg.Stock.DefaultLocationID},
		TrackInventory: cfg.Channel.TrackInventory,
		Clock:          clock,
		Tracer:         otel.Tracer(meterName + "/stock"),
	})
	if err != nil {
		return nil, err
	}

	table, err := transitionTable(cfg.Orders.ProcessFile)
	if err != nil {
		return nil, err
	}
	var timing services.StockAllocationTiming = services.DefaultStockAllocationTiming{}
	if cfg.Orders.StockAllocationTiming == "placement" {
		timing = services.PlacementStockAllocationTiming{}
	}
	fsm, err := services.NewOrderStateMachine(services.OrderStateMachineDeps{
		Table:   table,
		Checks:  services.DefaultOrderProcess(in.repos.variants, services.OrderProcessOptions{}),
		Effects: []services.TransitionEffect{services.StockTransitionEffect(stock, timing)},
		Clock:   clock,
	})
	if err != nil {
		return nil, err
	}

	guest, err := services.NewDefaultGuestCheckoutStrategy(in.repos.customers, services.GuestCheckoutOptions{
		AllowGuestCheckouts:                      cfg.Orders.AllowGuestCheckouts,
		AllowGuestCheckoutForRegisteredCustomers: cfg.Orders.AllowGuestCheckoutForRegisteredCustomers,
		CreateNewCustomerOnEmailAddressConflict:  cfg.Orders.CreateNewCustomerOnEmailAddressConflict,
	}, clock, nil)
	if err != nil {
		return nil, err
	}

	fulfillments := fulfillment.NewRegistry(fulfillment.ManualHandler{})
	modifiable := make([]domain.OrderState, 0, len(cfg.Orders.ModifiableStates))
	for _, state := range cfg.Orders.ModifiableStates {
		modifiable = append(modifiable, domain.OrderState(state))
	}

	return services.NewOrderService(services.OrderServiceDeps{
		Orders:          in.repos.orders,
		Variants:        in.repos.variants,
		Promotions:      in.repos.promotions,
		Customers:       in.repos.customers,
		ShippingMethods: in.repos.methods,
		Channels:        channels,
		Calculator:      calculator,
		StateMachine:    fsm,
		Fulfillments:    services.NewFulfillmentStateMachine(fulfillments, clock),
		Engine:          engine,
		Shipping:        shippingRegistry,
		Payments:        in.payments,
		FulfillmentKit:  fulfillments,
		Stock:           stock,
		GuestCheckout:   guest,
		ActiveOrders:    in.active,
		OrderCodes:      in.codes,
		Sanitizer:       textutil.NewSanitizer(),
		Locker:          in.locker,
		UnitOfWork:      in.unit,
		Events:          in.publisher,
		Metrics:         in.metrics,
		Config: services.OrderServiceConfig{
			OrderItemsLimit:            cfg.Orders.ItemsLimit,
			OrderLineItemsLimit:        cfg.Orders.LineItemsLimit,
			ModifiableStates:           modifiable,
			AnonymousOrderAccessWindow: cfg.Orders.AnonymousAccessWindow,
			ConflictRetries:            cfg.Orders.ConflictRetries,
		},
		Clock:  clock,
		Logger: observability.EventLogger(in.logger, "orders"),
	})
}

func channelsFromConfig(cfg config.ChannelConfig) (services.StaticChannels, error) {
	factor := decimal.NewFromInt(1)
	if raw := strings.TrimSpace(cfg.PriceFactor); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			return services.StaticChannels{}, fmt.Errorf("channel price factor: %w", err)
		}
		factor = parsed
	}
	return services.StaticChannels{Default: domain.Channel{
		ID:               cfg.Code,
		Code:             cfg.Code,
		CurrencyCode:     cfg.CurrencyCode,
		PricesIncludeTax: cfg.PricesIncludeTax,
		DefaultTaxZoneID: cfg.DefaultTaxZoneID,
		PriceFactor:      factor,
		TrackInventory:   cfg.TrackInventory,
	}}, nil
}

func transitionTable(path string) (services.TransitionTable, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return services.DefaultTransitionTable(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("order process file: %w", err)
	}
	defer f.Close()
	return services.LoadTransitionTable(f)
}
