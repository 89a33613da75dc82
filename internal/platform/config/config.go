package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
)

const (
	defaultEnvFile                  = ".env"
	defaultPort                     = "8080"
	defaultReadTimeout              = 15 * time.Second
	defaultWriteTimeout             = 30 * time.Second
	defaultIdleTimeout              = 120 * time.Second
	defaultPubSubTopic              = "order-events"
	defaultRedisLockTTL             = 10 * time.Second
	defaultSessionTTL               = 7 * 24 * time.Hour
	defaultOrderItemsLimit          = 999
	defaultOrderLineItemsLimit      = 999
	defaultAnonymousAccessWindow    = 2 * time.Hour
	defaultOrderTokenTTL            = 30 * 24 * time.Hour
	defaultConflictRetries          = 3
	defaultOrderCodeStrategy        = "random"
	defaultActiveOrderStrategy      = "session"
	defaultStockAllocationTiming    = "checkout"
	defaultChannelCode              = "default"
	defaultChannelCurrency          = "USD"
	defaultChannelPriceFactor       = "1"
	defaultStockBackend             = "firestore"
	defaultStockLocation            = "default"
	defaultMySQLMaxOpenConns        = 10
	defaultModifiableOrderStatesCSV = "AddingItems,Draft"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firebase  FirebaseConfig
	Firestore FirestoreConfig
	MySQL     MySQLConfig
	Redis     RedisConfig
	PubSub    PubSubConfig
	PSP       PSPConfig
	Orders    OrdersConfig
	Channel   ChannelConfig
	Tax       TaxConfig
	Stock     StockConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	CheckRevoked    bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// MySQLConfig configures the optional SQL stock store.
type MySQLConfig struct {
	DSN          string
	MaxOpenConns int
}

// RedisConfig configures order locks and the session store. An empty Addr selects in-process
// implementations.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	LockTTL    time.Duration
	SessionTTL time.Duration
}

// PubSubConfig names the topic order events are published to. Publishing is disabled when
// ProjectID is empty.
type PubSubConfig struct {
	ProjectID string
	Topic     string
}

// PSPConfig collects payment provider settings.
type PSPConfig struct {
	StripeAPIKey        string
	StripeAccountID     string
	StripeManualCapture bool
}

// OrdersConfig tunes order mutations and lookups.
type OrdersConfig struct {
	ItemsLimit                               int
	LineItemsLimit                           int
	ModifiableStates                         []string
	AnonymousAccessWindow                    time.Duration
	ConflictRetries                          int
	ProcessFile                              string
	CodeStrategy                             string
	ActiveOrderStrategy                      string
	TokenSecret                              string
	TokenTTL                                 time.Duration
	AllowGuestCheckouts                      bool
	AllowGuestCheckoutForRegisteredCustomers bool
	CreateNewCustomerOnEmailAddressConflict  bool
	StockAllocationTiming                    string
}

// ChannelConfig describes the storefront channel orders are priced in.
type ChannelConfig struct {
	Code             string
	CurrencyCode     string
	PricesIncludeTax bool
	DefaultTaxZoneID string
	PriceFactor      string
	TrackInventory   bool
}

// TaxConfig maps ISO country codes to tax zone ids.
type TaxConfig struct {
	CountryZones map[string]string
}

// StockConfig selects the stock store.
type StockConfig struct {
	Backend           string
	DefaultLocationID string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// Snapshot captures the resolved environment values used during loading so callers can construct
// dependent components (e.g., secret fetcher) with the same inputs.
type Snapshot struct {
	EnvFile         string
	Values          map[string]string
	ResolvedSecrets map[string]string
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers can use the result to initialise
// dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		if source == nil {
			return
		}
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			if entry == "" {
				continue
			}
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			system[key] = parts[1]
		}
		merge(system)
	}

	merge(options.envMap)

	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers should match the config field names recorded by the loader
// (e.g. "PSP.StripeAPIKey" or "Orders.TokenSecret").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
			CheckRevoked:    boolWithDefault(lookup, "API_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		MySQL: MySQLConfig{
			DSN:          stringWithDefault(lookup, "API_MYSQL_DSN", ""),
			MaxOpenConns: intWithDefault(lookup, "API_MYSQL_MAX_OPEN_CONNS", defaultMySQLMaxOpenConns),
		},
		Redis: RedisConfig{
			Addr:       stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password:   stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:         intWithDefault(lookup, "API_REDIS_DB", 0),
			LockTTL:    durationWithDefault(lookup, "API_REDIS_LOCK_TTL", defaultRedisLockTTL),
			SessionTTL: durationWithDefault(lookup, "API_REDIS_SESSION_TTL", defaultSessionTTL),
		},
		PubSub: PubSubConfig{
			ProjectID: stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "API_PUBSUB_ORDER_TOPIC", defaultPubSubTopic),
		},
		PSP: PSPConfig{
			StripeAPIKey:        stringWithDefault(lookup, "API_PSP_STRIPE_API_KEY", ""),
			StripeAccountID:     stringWithDefault(lookup, "API_PSP_STRIPE_ACCOUNT_ID", ""),
			StripeManualCapture: boolWithDefault(lookup, "API_PSP_STRIPE_MANUAL_CAPTURE", true),
		},
		Orders: OrdersConfig{
			ItemsLimit:                               intWithDefault(lookup, "API_ORDER_ITEMS_LIMIT", defaultOrderItemsLimit),
			LineItemsLimit:                           intWithDefault(lookup, "API_ORDER_LINE_ITEMS_LIMIT", defaultOrderLineItemsLimit),
			ModifiableStates:                         csvWithDefault(lookup, "API_ORDER_MODIFIABLE_STATES"),
			AnonymousAccessWindow:                    durationWithDefault(lookup, "API_ORDER_ANONYMOUS_ACCESS_WINDOW", defaultAnonymousAccessWindow),
			ConflictRetries:                          intWithDefault(lookup, "API_ORDER_CONFLICT_RETRIES", defaultConflictRetries),
			ProcessFile:                              stringWithDefault(lookup, "API_ORDER_PROCESS_FILE", ""),
			CodeStrategy:                             strings.ToLower(stringWithDefault(lookup, "API_ORDER_CODE_STRATEGY", defaultOrderCodeStrategy)),
			ActiveOrderStrategy:                      strings.ToLower(stringWithDefault(lookup, "API_ORDER_ACTIVE_STRATEGY", defaultActiveOrderStrategy)),
			TokenSecret:                              stringWithDefault(lookup, "API_ORDER_TOKEN_SECRET", ""),
			TokenTTL:                                 durationWithDefault(lookup, "API_ORDER_TOKEN_TTL", defaultOrderTokenTTL),
			AllowGuestCheckouts:                      boolWithDefault(lookup, "API_ORDER_GUEST_CHECKOUT", true),
			AllowGuestCheckoutForRegisteredCustomers: boolWithDefault(lookup, "API_ORDER_GUEST_CHECKOUT_REGISTERED", false),
			CreateNewCustomerOnEmailAddressConflict:  boolWithDefault(lookup, "API_ORDER_NEW_CUSTOMER_ON_EMAIL_CONFLICT", false),
			StockAllocationTiming:                    strings.ToLower(stringWithDefault(lookup, "API_ORDER_STOCK_ALLOCATION", defaultStockAllocationTiming)),
		},
		Channel: ChannelConfig{
			Code:             stringWithDefault(lookup, "API_CHANNEL_CODE", defaultChannelCode),
			CurrencyCode:     strings.ToUpper(stringWithDefault(lookup, "API_CHANNEL_CURRENCY", defaultChannelCurrency)),
			PricesIncludeTax: boolWithDefault(lookup, "API_CHANNEL_PRICES_INCLUDE_TAX", false),
			DefaultTaxZoneID: stringWithDefault(lookup, "API_CHANNEL_DEFAULT_TAX_ZONE", ""),
			PriceFactor:      stringWithDefault(lookup, "API_CHANNEL_PRICE_FACTOR", defaultChannelPriceFactor),
			TrackInventory:   boolWithDefault(lookup, "API_CHANNEL_TRACK_INVENTORY", true),
		},
		Tax: TaxConfig{
			CountryZones: mapWithDefault(lookup, "API_TAX_COUNTRY_ZONES"),
		},
		Stock: StockConfig{
			Backend:           strings.ToLower(stringWithDefault(lookup, "API_STOCK_BACKEND", defaultStockBackend)),
			DefaultLocationID: stringWithDefault(lookup, "API_STOCK_DEFAULT_LOCATION", defaultStockLocation),
		},
	}

	resolvedSecrets := make(map[string]string)
	resolveField := func(name string, field *string) error {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return err
		}
		*field = resolved
		resolvedSecrets[name] = strings.TrimSpace(resolved)
		return nil
	}

	// Firestore and Pub/Sub default to the Firebase project.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Orders.ModifiableStates) == 0 {
		cfg.Orders.ModifiableStates = strings.Split(defaultModifiableOrderStatesCSV, ",")
	}
	zones := make(map[string]string, len(cfg.Tax.CountryZones))
	for country, zone := range cfg.Tax.CountryZones {
		zones[strings.ToUpper(country)] = zone
	}
	cfg.Tax.CountryZones = zones

	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"Orders.TokenSecret", &cfg.Orders.TokenSecret},
		{"MySQL.DSN", &cfg.MySQL.DSN},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		if err := resolveField(target.name, target.field); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

var knownOrderStates = []string{
	"Draft", "AddingItems", "ArrangingPayment", "PaymentAuthorized", "PaymentSettled",
	"PartiallyShipped", "Shipped", "PartiallyDelivered", "Delivered", "Cancelled",
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.Orders.ItemsLimit <= 0 {
		missing = append(missing, "Orders.ItemsLimit")
	}
	if cfg.Orders.LineItemsLimit <= 0 {
		missing = append(missing, "Orders.LineItemsLimit")
	}
	if cfg.Orders.AnonymousAccessWindow <= 0 {
		missing = append(missing, "Orders.AnonymousAccessWindow")
	}
	for _, state := range cfg.Orders.ModifiableStates {
		if !slices.Contains(knownOrderStates, state) {
			missing = append(missing, "Orders.ModifiableStates")
			break
		}
	}
	switch cfg.Orders.CodeStrategy {
	case "random", "counter":
	default:
		missing = append(missing, "Orders.CodeStrategy")
	}
	switch cfg.Orders.ActiveOrderStrategy {
	case "session":
	case "token":
		if cfg.Orders.TokenSecret == "" {
			missing = append(missing, "Orders.TokenSecret")
		}
	default:
		missing = append(missing, "Orders.ActiveOrderStrategy")
	}
	switch cfg.Orders.StockAllocationTiming {
	case "checkout", "placement":
	default:
		missing = append(missing, "Orders.StockAllocationTiming")
	}
	if _, err := currency.ParseISO(cfg.Channel.CurrencyCode); err != nil {
		missing = append(missing, "Channel.CurrencyCode")
	}
	if _, err := decimal.NewFromString(cfg.Channel.PriceFactor); err != nil {
		missing = append(missing, "Channel.PriceFactor")
	}
	for country := range cfg.Tax.CountryZones {
		if _, err := language.ParseRegion(country); err != nil {
			missing = append(missing, "Tax.CountryZones")
			break
		}
	}
	switch cfg.Stock.Backend {
	case "firestore":
	case "mysql":
		if cfg.MySQL.DSN == "" {
			missing = append(missing, "MySQL.DSN")
		}
	default:
		missing = append(missing, "Stock.Backend")
	}
	if cfg.Stock.DefaultLocationID == "" {
		missing = append(missing, "Stock.DefaultLocationID")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		secret := strings.TrimSpace(parts[1])
		if name == "" || secret == "" {
			continue
		}
		values[name] = secret
	}
	return values
}
