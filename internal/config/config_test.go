package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.StoreDriver != StorePostgres {
		t.Errorf("expected postgres store driver, got %s", cfg.StoreDriver)
	}
	if cfg.PostgresSchema != "fhir_data" {
		t.Errorf("expected schema fhir_data, got %s", cfg.PostgresSchema)
	}
	if cfg.PostgresPassword != "welcome123" {
		t.Errorf("expected default postgres password, got %s", cfg.PostgresPassword)
	}
	if cfg.SubscriptionMaxFailures != 5 {
		t.Errorf("expected 5 max failures, got %d", cfg.SubscriptionMaxFailures)
	}
	if !cfg.SubscriptionManualActivation {
		t.Error("expected manual activation to default on")
	}
	if !cfg.PrettyPrint {
		t.Error("expected pretty print to default on")
	}
	if cfg.SubscriptionRetryBackoff != time.Second {
		t.Errorf("expected 1s backoff, got %s", cfg.SubscriptionRetryBackoff)
	}
	if len(cfg.SubscriptionChannels) != 1 || cfg.SubscriptionChannels[0] != ChannelRestHook {
		t.Errorf("expected rest-hook channel only, got %v", cfg.SubscriptionChannels)
	}
	if cfg.BaseURL != "http://localhost:8080/fhir" {
		t.Errorf("unexpected base url %s", cfg.BaseURL)
	}
	if cfg.ServerDescription != "Example Server" {
		t.Errorf("unexpected description %s", cfg.ServerDescription)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SUBSCRIPTION_CHANNELS", "rest-hook, websocket")
	t.Setenv("RESOURCE_TYPES", "Patient,Observation")
	t.Setenv("BASE_URL", "https://fhir.example.org/fhir/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StoreDriver != StoreSQLite {
		t.Errorf("expected sqlite, got %s", cfg.StoreDriver)
	}
	if !cfg.ChannelEnabled(ChannelWebsocket) {
		t.Error("expected websocket channel enabled")
	}
	if len(cfg.ResourceTypes) != 2 {
		t.Errorf("expected 2 resource types, got %v", cfg.ResourceTypes)
	}
	if cfg.BaseURL != "https://fhir.example.org/fhir" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.BaseURL)
	}
}

func TestConfig_PostgresURL(t *testing.T) {
	c := &Config{
		PostgresHost:     "db",
		PostgresPort:     5433,
		PostgresUser:     "fhir",
		PostgresPassword: "secret",
		PostgresDB:       "fhir",
	}
	if got := c.PostgresURL(); got != "postgres://fhir:secret@db:5433/fhir" {
		t.Errorf("unexpected url %s", got)
	}

	c.DatabaseURL = "postgres://override"
	if got := c.PostgresURL(); got != "postgres://override" {
		t.Errorf("expected DATABASE_URL to win, got %s", got)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
	if !c.IsProduction() {
		t.Error("expected IsProduction() to return true")
	}
}

func validConfig() *Config {
	return &Config{
		Port:                      "8080",
		LogLevel:                  "info",
		BasePath:                  "/fhir",
		BaseURL:                   "http://localhost:8080/fhir",
		StoreDriver:               StoreMemory,
		ValidationRejectSeverity:  "error",
		SubscriptionChannels:      []string{ChannelRestHook},
		SubscriptionWorkers:       1,
		SubscriptionQueueSize:     10,
		SubscriptionMaxFailures:   5,
		SubscriptionRetryAttempts: 1,
		DefaultPageSize:           20,
		MaxPageSize:               100,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }, true},
		{"unknown channel", func(c *Config) { c.SubscriptionChannels = []string{"email"} }, true},
		{"bad severity", func(c *Config) { c.ValidationRejectSeverity = "loud" }, true},
		{"zero workers", func(c *Config) { c.SubscriptionWorkers = 0 }, true},
		{"zero queue size", func(c *Config) { c.SubscriptionQueueSize = 0 }, true},
		{"zero max failures", func(c *Config) { c.SubscriptionMaxFailures = 0 }, true},
		{"zero retry attempts", func(c *Config) { c.SubscriptionRetryAttempts = 0 }, true},
		{"zero default page size", func(c *Config) { c.DefaultPageSize = 0 }, true},
		{"zero max page size", func(c *Config) { c.MaxPageSize = 0 }, true},
		{"negative workers", func(c *Config) { c.SubscriptionWorkers = -1 }, true},
		{"base path without slash", func(c *Config) { c.BasePath = "fhir" }, true},
		{"max page below default", func(c *Config) { c.MaxPageSize = 5 }, true},
		{"postgres without schema", func(c *Config) {
			c.StoreDriver = StorePostgres
			c.DBMaxConns = 5
		}, true},
		{"production without auth", func(c *Config) { c.Env = "production" }, true},
		{"production with auth", func(c *Config) {
			c.Env = "production"
			c.AuthSigningKey = "k"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
