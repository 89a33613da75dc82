package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{"API_FIREBASE_PROJECT_ID": "orders-dev"}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "orders-dev" || cfg.PubSub.ProjectID != "orders-dev" {
		t.Errorf("expected projects to default to firebase project, got %s / %s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if cfg.PubSub.Topic != defaultPubSubTopic {
		t.Errorf("unexpected topic %s", cfg.PubSub.Topic)
	}
	if cfg.Orders.AnonymousAccessWindow != 2*time.Hour {
		t.Errorf("unexpected anonymous access window: %s", cfg.Orders.AnonymousAccessWindow)
	}
	if cfg.Orders.ItemsLimit != 999 || cfg.Orders.LineItemsLimit != 999 {
		t.Errorf("unexpected order limits %d/%d", cfg.Orders.ItemsLimit, cfg.Orders.LineItemsLimit)
	}
	if !slices.Equal(cfg.Orders.ModifiableStates, []string{"AddingItems", "Draft"}) {
		t.Errorf("unexpected modifiable states %v", cfg.Orders.ModifiableStates)
	}
	if cfg.Orders.CodeStrategy != "random" || cfg.Orders.ActiveOrderStrategy != "session" {
		t.Errorf("unexpected strategies %s/%s", cfg.Orders.CodeStrategy, cfg.Orders.ActiveOrderStrategy)
	}
	if !cfg.Orders.AllowGuestCheckouts || cfg.Orders.AllowGuestCheckoutForRegisteredCustomers {
		t.Errorf("unexpected guest checkout flags %+v", cfg.Orders)
	}
	if cfg.Channel.CurrencyCode != "USD" || cfg.Channel.PriceFactor != "1" || !cfg.Channel.TrackInventory {
		t.Errorf("unexpected channel defaults %+v", cfg.Channel)
	}
	if cfg.Stock.Backend != "firestore" || cfg.Stock.DefaultLocationID != "default" {
		t.Errorf("unexpected stock defaults %+v", cfg.Stock)
	}
	if cfg.Redis.Addr != "" || cfg.Redis.LockTTL != defaultRedisLockTTL {
		t.Errorf("unexpected redis defaults %+v", cfg.Redis)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                   "9090",
		"API_SERVER_WRITE_TIMEOUT":          "25s",
		"API_FIREBASE_PROJECT_ID":           "orders-prod",
		"API_FIRESTORE_PROJECT_ID":          "orders-fire",
		"API_PSP_STRIPE_API_KEY":            "secret://stripe/api",
		"API_PSP_STRIPE_MANUAL_CAPTURE":     "false",
		"API_ORDER_ITEMS_LIMIT":             "50",
		"API_ORDER_MODIFIABLE_STATES":       "AddingItems",
		"API_ORDER_ANONYMOUS_ACCESS_WINDOW": "30m",
		"API_ORDER_ACTIVE_STRATEGY":         "Token",
		"API_ORDER_TOKEN_SECRET":            "sm://orders/token",
		"API_ORDER_CODE_STRATEGY":           "counter",
		"API_CHANNEL_CURRENCY":              "jpy",
		"API_CHANNEL_PRICES_INCLUDE_TAX":    "yes",
		"API_TAX_COUNTRY_ZONES":             "jp=zone-jp, us=zone-us",
		"API_STOCK_BACKEND":                 "MySQL",
		"API_MYSQL_DSN":                     "secret://mysql/dsn",
		"API_REDIS_ADDR":                    "localhost:6379",
	}
	secrets := map[string]string{
		"secret://stripe/api":   "sk_test",
		"secret://orders/token": "token-secret",
		"secret://mysql/dsn":    "user:pass@tcp(localhost:3306)/orders",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.WriteTimeout != 25*time.Second {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Firestore.ProjectID != "orders-fire" || cfg.PubSub.ProjectID != "orders-prod" {
		t.Errorf("unexpected project ids %s/%s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if cfg.PSP.StripeAPIKey != "sk_test" || cfg.PSP.StripeManualCapture {
		t.Errorf("unexpected psp config %+v", cfg.PSP)
	}
	if cfg.Orders.TokenSecret != "token-secret" || cfg.Orders.ActiveOrderStrategy != "token" {
		t.Errorf("unexpected token config %+v", cfg.Orders)
	}
	if cfg.Orders.ItemsLimit != 50 || cfg.Orders.AnonymousAccessWindow != 30*time.Minute {
		t.Errorf("unexpected order overrides %+v", cfg.Orders)
	}
	if cfg.Channel.CurrencyCode != "JPY" || !cfg.Channel.PricesIncludeTax {
		t.Errorf("unexpected channel %+v", cfg.Channel)
	}
	if cfg.Tax.CountryZones["JP"] != "zone-jp" || cfg.Tax.CountryZones["US"] != "zone-us" {
		t.Errorf("unexpected country zones %v", cfg.Tax.CountryZones)
	}
	if cfg.Stock.Backend != "mysql" || cfg.MySQL.DSN != secrets["secret://mysql/dsn"] {
		t.Errorf("unexpected stock config %+v %+v", cfg.Stock, cfg.MySQL)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nexport API_FIREBASE_PROJECT_ID=\"orders-dot\"\n# comment\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "orders-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if !slices.Contains(validation.Fields(), "Firebase.ProjectID") {
		t.Fatalf("expected Firebase.ProjectID in %v", validation.Fields())
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]struct {
		key, value, field string
	}{
		"currency":          {"API_CHANNEL_CURRENCY", "ZZZ1", "Channel.CurrencyCode"},
		"price factor":      {"API_CHANNEL_PRICE_FACTOR", "abc", "Channel.PriceFactor"},
		"modifiable states": {"API_ORDER_MODIFIABLE_STATES", "AddingItems,Completed", "Orders.ModifiableStates"},
		"code strategy":     {"API_ORDER_CODE_STRATEGY", "sequential", "Orders.CodeStrategy"},
		"token secret":      {"API_ORDER_ACTIVE_STRATEGY", "token", "Orders.TokenSecret"},
		"stock backend":     {"API_STOCK_BACKEND", "postgres", "Stock.Backend"},
		"mysql dsn":         {"API_STOCK_BACKEND", "mysql", "MySQL.DSN"},
		"allocation timing": {"API_ORDER_STOCK_ALLOCATION", "never", "Orders.StockAllocationTiming"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			env := baseEnv()
			env[tc.key] = tc.value
			_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !slices.Contains(validation.Fields(), tc.field) {
				t.Fatalf("expected %s in %v", tc.field, validation.Fields())
			}
		})
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := baseEnv()
	env["API_PSP_STRIPE_API_KEY"] = "secret://missing"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{"API_FIREBASE_PROJECT_ID": "override-project"}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != redactSecretName("PSP.StripeAPIKey") {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if names := missing.Names(); len(names) != 1 || names[0] != "Orders.TokenSecret" {
			t.Fatalf("unexpected missing secrets %v", names)
		}
	}()

	Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Orders.TokenSecret"),
		WithPanicOnMissingSecrets(),
	)
}
