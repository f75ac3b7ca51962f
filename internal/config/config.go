package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Subscription channel kinds.
const (
	ChannelRestHook  = "rest-hook"
	ChannelWebsocket = "websocket"
)

type Config struct {
	Port              string `mapstructure:"PORT"`
	Env               string `mapstructure:"ENV"`
	LogLevel          string `mapstructure:"LOG_LEVEL"`
	BaseURL           string `mapstructure:"BASE_URL"`
	BasePath          string `mapstructure:"BASE_PATH"`
	ServerName        string `mapstructure:"SERVER_NAME"`
	ServerDescription string `mapstructure:"SERVER_DESCRIPTION"`
	ServerVersion     string `mapstructure:"SERVER_VERSION"`

	StoreDriver        string `mapstructure:"STORE_DRIVER"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	PostgresHost       string `mapstructure:"POSTGRES_HOST"`
	PostgresPort       int    `mapstructure:"POSTGRES_PORT"`
	PostgresUser       string `mapstructure:"POSTGRES_USER"`
	PostgresPassword   string `mapstructure:"POSTGRES_PASSWORD"`
	PostgresDB         string `mapstructure:"POSTGRES_DB"`
	PostgresSchema     string `mapstructure:"POSTGRES_SCHEMA"`
	DBMaxConns         int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32  `mapstructure:"DB_MIN_CONNS"`
	DBAutoMigrate      bool   `mapstructure:"DB_AUTO_MIGRATE"`
	SQLitePath         string `mapstructure:"SQLITE_PATH"`
	StoreRetryAttempts int    `mapstructure:"STORE_RETRY_ATTEMPTS"`

	ResourceTypes []string `mapstructure:"RESOURCE_TYPES"`

	ValidationRejectSeverity string `mapstructure:"VALIDATION_REJECT_SEVERITY"`
	ProfilesDir              string `mapstructure:"PROFILES_DIR"`

	SubscriptionChannels         []string      `mapstructure:"SUBSCRIPTION_CHANNELS"`
	SubscriptionMatchingEnabled  bool          `mapstructure:"SUBSCRIPTION_MATCHING_ENABLED"`
	SubscriptionManualActivation bool          `mapstructure:"SUBSCRIPTION_MANUAL_ACTIVATION"`
	SubscriptionWorkers          int           `mapstructure:"SUBSCRIPTION_WORKERS"`
	SubscriptionQueueSize        int           `mapstructure:"SUBSCRIPTION_QUEUE_SIZE"`
	SubscriptionMaxFailures      int           `mapstructure:"SUBSCRIPTION_MAX_FAILURES"`
	SubscriptionRetryAttempts    int           `mapstructure:"SUBSCRIPTION_RETRY_ATTEMPTS"`
	SubscriptionRetryBackoff     time.Duration `mapstructure:"SUBSCRIPTION_RETRY_BACKOFF"`
	SubscriptionDeliveryTimeout  time.Duration `mapstructure:"SUBSCRIPTION_DELIVERY_TIMEOUT"`
	SubscriptionAllowPrivate     bool          `mapstructure:"SUBSCRIPTION_ALLOW_PRIVATE_ENDPOINTS"`

	PrettyPrint     bool `mapstructure:"PRETTY_PRINT"`
	DefaultPageSize int  `mapstructure:"DEFAULT_PAGE_SIZE"`
	MaxPageSize     int  `mapstructure:"MAX_PAGE_SIZE"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "BASE_URL", "BASE_PATH",
	"SERVER_NAME", "SERVER_DESCRIPTION", "SERVER_VERSION",
	"STORE_DRIVER", "DATABASE_URL",
	"POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB", "POSTGRES_SCHEMA",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "DB_AUTO_MIGRATE", "SQLITE_PATH", "STORE_RETRY_ATTEMPTS",
	"RESOURCE_TYPES",
	"VALIDATION_REJECT_SEVERITY", "PROFILES_DIR",
	"SUBSCRIPTION_CHANNELS", "SUBSCRIPTION_MATCHING_ENABLED", "SUBSCRIPTION_MANUAL_ACTIVATION",
	"SUBSCRIPTION_WORKERS", "SUBSCRIPTION_QUEUE_SIZE", "SUBSCRIPTION_MAX_FAILURES",
	"SUBSCRIPTION_RETRY_ATTEMPTS", "SUBSCRIPTION_RETRY_BACKOFF", "SUBSCRIPTION_DELIVERY_TIMEOUT",
	"SUBSCRIPTION_ALLOW_PRIVATE_ENDPOINTS",
	"PRETTY_PRINT", "DEFAULT_PAGE_SIZE", "MAX_PAGE_SIZE",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "CORS_ORIGINS", "AUTH_SIGNING_KEY", "AUTH_ISSUER",
}

// Load reads configuration from the environment and an optional .env file in
// the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BASE_PATH", "/fhir")
	v.SetDefault("SERVER_NAME", "MITRE FHIR Server")
	v.SetDefault("SERVER_DESCRIPTION", "Example Server")
	v.SetDefault("SERVER_VERSION", "0.1.0")

	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", 5432)
	v.SetDefault("POSTGRES_USER", "postgres")
	v.SetDefault("POSTGRES_PASSWORD", "welcome123")
	v.SetDefault("POSTGRES_DB", "postgres")
	v.SetDefault("POSTGRES_SCHEMA", "fhir_data")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_AUTO_MIGRATE", true)
	v.SetDefault("SQLITE_PATH", "fhir.db")
	v.SetDefault("STORE_RETRY_ATTEMPTS", 3)

	v.SetDefault("VALIDATION_REJECT_SEVERITY", "error")

	v.SetDefault("SUBSCRIPTION_CHANNELS", ChannelRestHook)
	v.SetDefault("SUBSCRIPTION_MATCHING_ENABLED", true)
	v.SetDefault("SUBSCRIPTION_MANUAL_ACTIVATION", true)
	v.SetDefault("SUBSCRIPTION_WORKERS", 4)
	v.SetDefault("SUBSCRIPTION_QUEUE_SIZE", 1024)
	v.SetDefault("SUBSCRIPTION_MAX_FAILURES", 5)
	v.SetDefault("SUBSCRIPTION_RETRY_ATTEMPTS", 3)
	v.SetDefault("SUBSCRIPTION_RETRY_BACKOFF", "1s")
	v.SetDefault("SUBSCRIPTION_DELIVERY_TIMEOUT", "10s")
	v.SetDefault("SUBSCRIPTION_ALLOW_PRIVATE_ENDPOINTS", false)

	v.SetDefault("PRETTY_PRINT", true)
	v.SetDefault("DEFAULT_PAGE_SIZE", 20)
	v.SetDefault("MAX_PAGE_SIZE", 100)

	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("CORS_ORIGINS", "*")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.ResourceTypes = splitList(v.GetString("RESOURCE_TYPES"))
	cfg.SubscriptionChannels = splitList(v.GetString("SUBSCRIPTION_CHANNELS"))

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port + cfg.BasePath
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return cfg, nil
}

// splitList splits a comma separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// PostgresURL returns DATABASE_URL when set, otherwise a connection string
// assembled from the POSTGRES_* settings.
func (c *Config) PostgresURL() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   "/" + c.PostgresDB,
	}
	return u.String()
}

// ChannelEnabled reports whether the given subscription channel kind is
// accepted by this server.
func (c *Config) ChannelEnabled(kind string) bool {
	for _, ch := range c.SubscriptionChannels {
		if ch == kind {
			return true
		}
	}
	return false
}

// AuthEnabled reports whether bearer token authentication is configured.
func (c *Config) AuthEnabled() bool {
	return c.AuthSigningKey != ""
}

// Validate checks that the configuration is usable before any component is
// constructed.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required),
		validation.Field(&c.LogLevel, validation.In("trace", "debug", "info", "warn", "error")),
		validation.Field(&c.BasePath, validation.Required, validation.By(startsWithSlash)),
		validation.Field(&c.BaseURL, validation.Required),
		validation.Field(&c.StoreDriver, validation.Required, validation.In(StoreMemory, StorePostgres, StoreSQLite)),
		validation.Field(&c.PostgresSchema, validation.When(c.StoreDriver == StorePostgres, validation.Required)),
		validation.Field(&c.SQLitePath, validation.When(c.StoreDriver == StoreSQLite, validation.Required)),
		validation.Field(&c.DBMaxConns, validation.When(c.StoreDriver == StorePostgres, validation.Min(int32(1)))),
		validation.Field(&c.StoreRetryAttempts, validation.Min(0)),
		validation.Field(&c.ValidationRejectSeverity, validation.Required, validation.In("information", "warning", "error", "fatal")),
		validation.Field(&c.SubscriptionChannels, validation.Each(validation.In(ChannelRestHook, ChannelWebsocket))),
		validation.Field(&c.SubscriptionWorkers, validation.Required, validation.Min(1)),
		validation.Field(&c.SubscriptionQueueSize, validation.Required, validation.Min(1)),
		validation.Field(&c.SubscriptionMaxFailures, validation.Required, validation.Min(1)),
		validation.Field(&c.SubscriptionRetryAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.DefaultPageSize, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxPageSize, validation.Required, validation.Min(c.DefaultPageSize)),
	)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.IsProduction() && !c.AuthEnabled() {
		return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
	}
	return nil
}

func startsWithSlash(value interface{}) error {
	s, _ := value.(string)
	if !strings.HasPrefix(s, "/") {
		return fmt.Errorf("must start with /")
	}
	return nil
}
