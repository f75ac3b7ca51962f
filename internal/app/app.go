// Package app assembles the server from configuration. Every component is
// built here with its collaborators passed in; a failure names the component
// that could not be built.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/mitre/fhirserver/internal/config"
	"github.com/mitre/fhirserver/internal/domain/resource"
	"github.com/mitre/fhirserver/internal/domain/subscription"
	"github.com/mitre/fhirserver/internal/platform/db"
	"github.com/mitre/fhirserver/internal/platform/fhir"
	"github.com/mitre/fhirserver/internal/platform/telemetry"
	"github.com/mitre/fhirserver/internal/platform/webhook"
	"github.com/mitre/fhirserver/internal/platform/websocket"
	"github.com/mitre/fhirserver/internal/search"
	"github.com/mitre/fhirserver/internal/store"
	"github.com/mitre/fhirserver/internal/validation"
	"github.com/mitre/fhirserver/pkg/pagination"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

// Components holds every long-lived part of a running server.
type Components struct {
	Config *config.Config
	Logger zerolog.Logger

	Telemetry *telemetry.Provider
	Pool      *pgxpool.Pool
	Store     store.Store
	pinger    db.Pinger

	Types    []string
	Params   *search.Registry
	Index    *search.Index
	Profiles *validation.Registry
	Pipeline *validation.Pipeline

	Resources     *resource.Service
	Subscriptions *subscription.Service
	Dispatcher    *subscription.Dispatcher
	Hub           *websocket.Hub

	Operations   *fhir.OperationRegistry
	Capabilities *fhir.CapabilityProvider

	rest      *resource.Handler
	closeOnce sync.Once
}

// NewLogger builds the process logger: console output in development, JSON
// otherwise.
func NewLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

type step struct {
	name  string
	build func(c *Components, ctx context.Context) error
}

var steps = []step{
	{"telemetry", (*Components).buildTelemetry},
	{"store", (*Components).buildStore},
	{"search index", (*Components).buildSearch},
	{"validation pipeline", (*Components).buildValidation},
	{"resource service", (*Components).buildResources},
	{"subscription dispatcher", (*Components).buildSubscriptions},
	{"conformance provider", (*Components).buildConformance},
}

// Build constructs every component in dependency order. On failure the
// components built so far are closed.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Components, error) {
	if cfg == nil {
		return nil, errors.New("build: configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Components{Config: cfg, Logger: logger}
	for _, s := range steps {
		if err := s.build(c, ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("build %s: %w", s.name, err)
		}
		logger.Debug().Str("component", s.name).Msg("component ready")
	}
	return c, nil
}

func (c *Components) buildTelemetry(context.Context) error {
	c.Telemetry = telemetry.NewProvider(telemetry.Config{
		ServiceName:    c.Config.ServerName,
		ServiceVersion: c.Config.ServerVersion,
		Environment:    c.Config.Env,
	})
	return nil
}

// OpenStore opens the configured backend without the retry and metrics
// wrappers. The pool is nil unless the driver is postgres.
func OpenStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, *pgxpool.Pool, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil, nil

	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return s, nil, nil

	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.PostgresURL(), cfg.PostgresSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", fhir.ErrStoreUnavailable, err)
		}
		if cfg.DBAutoMigrate {
			n, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
			if err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info().Int("applied", n).Str("schema", cfg.PostgresSchema).Msg("migrations complete")
		}
		return store.NewPostgresStore(pool), pool, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func (c *Components) buildStore(ctx context.Context) error {
	s, pool, err := OpenStore(ctx, c.Config, c.Logger)
	if err != nil {
		return err
	}
	c.Pool = pool
	if p, ok := s.(db.Pinger); ok {
		c.pinger = p
	}
	s = store.NewRetrying(s, c.Config.StoreRetryAttempts, 0, c.Logger.With().Str("component", "store").Logger())
	c.Store = store.NewObserved(s, c.Telemetry)
	return nil
}

// resourceTypes resolves RESOURCE_TYPES against the known types. An empty
// list serves every known type.
func resourceTypes(cfg *config.Config) ([]string, error) {
	if len(cfg.ResourceTypes) == 0 {
		return fhir.KnownResourceTypes(), nil
	}
	var unknown []string
	for _, rt := range cfg.ResourceTypes {
		if !fhir.IsKnownResourceType(rt) {
			unknown = append(unknown, rt)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", fhir.ErrUnknownResourceType, strings.Join(unknown, ", "))
	}
	return append([]string(nil), cfg.ResourceTypes...), nil
}

func (c *Components) buildSearch(ctx context.Context) error {
	types, err := resourceTypes(c.Config)
	if err != nil {
		return err
	}
	c.Types = types
	c.Params = search.NewRegistry(types)
	c.Index = search.NewIndex(c.Params, c.Logger)

	start := time.Now()
	n, err := c.Index.Rebuild(ctx, c.Store, "")
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	c.Logger.Info().Int("resources", n).Dur("took", time.Since(start)).Msg("search index loaded")

	return c.Telemetry.RegisterGaugeFunc("search", "indexed_resources", "Resources held in the search index.",
		func() float64 { return float64(c.Index.Size()) })
}

func (c *Components) buildValidation(context.Context) error {
	c.Profiles = validation.NewRegistry(c.Config.ProfilesDir, c.Logger)
	if c.Config.ProfilesDir != "" {
		if err := c.Profiles.Load(); err != nil {
			return err
		}
	}
	reject, err := validation.ParseSeverity(c.Config.ValidationRejectSeverity)
	if err != nil {
		return err
	}
	validator := validation.NewValidator(c.Profiles, c.Params.Supports)
	c.Pipeline = validation.NewPipeline(validator, validation.Policy{RejectAt: reject}, c.Logger)
	return nil
}

func (c *Components) buildResources(context.Context) error {
	if c.Store == nil || c.Index == nil || c.Pipeline == nil {
		return errors.New("store, search index and validation pipeline must be built first")
	}
	c.Resources = resource.NewService(c.Store, c.Index, c.Pipeline, c.Types, c.Logger)
	c.Operations = fhir.NewOperationRegistry()
	c.rest = resource.NewHandler(c.Resources, c.Params, c.Operations, c.Config.BaseURL, pagination.Limits{
		Default: c.Config.DefaultPageSize,
		Max:     c.Config.MaxPageSize,
	})
	return c.rest.RegisterOperations(c.Operations)
}

func (c *Components) buildSubscriptions(context.Context) error {
	if !c.Resources.Supports(subscription.ResourceType) {
		c.Logger.Warn().Msg("Subscription is not a served resource type; subscriptions are disabled")
		return nil
	}
	cfg := c.Config
	c.Subscriptions = subscription.NewService(c.Store, c.Index, c.Resources, subscription.Settings{
		Channels:              cfg.SubscriptionChannels,
		ManualActivation:      cfg.SubscriptionManualActivation,
		AllowPrivateEndpoints: cfg.SubscriptionAllowPrivate,
	}, c.Logger)
	c.Resources.AddHook(c.Subscriptions)

	if cfg.SubscriptionMatchingEnabled {
		var notifiers []subscription.Notifier
		if cfg.ChannelEnabled(config.ChannelRestHook) {
			sender := webhook.NewSender(
				webhook.WithTimeout(cfg.SubscriptionDeliveryTimeout),
				webhook.WithUserAgent(cfg.ServerName+"/"+Version),
			)
			notifiers = append(notifiers, subscription.NewRestHook(sender, cfg.BaseURL))
		}
		if cfg.ChannelEnabled(config.ChannelWebsocket) {
			c.Hub = websocket.NewHub(c.websocketBindCheck, c.Logger)
			notifiers = append(notifiers, subscription.NewWebsocket(c.Hub))
		}

		c.Dispatcher = subscription.NewDispatcher(c.Subscriptions, c.Index, notifiers, subscription.DispatcherConfig{
			Workers:       cfg.SubscriptionWorkers,
			QueueSize:     cfg.SubscriptionQueueSize,
			MaxFailures:   cfg.SubscriptionMaxFailures,
			RetryAttempts: cfg.SubscriptionRetryAttempts,
			RetryBackoff:  cfg.SubscriptionRetryBackoff,
		}, c.Telemetry, c.Logger)
		c.Resources.AddListener(c.Dispatcher)

		if err := c.Telemetry.RegisterGaugeFunc("subscription", "queue_depth", "Notifications waiting for a worker.",
			func() float64 { return float64(c.Dispatcher.QueueDepth()) }); err != nil {
			return err
		}
	}

	return subscription.NewHandler(c.Subscriptions, c.Dispatcher).RegisterOperations(c.Operations)
}

// websocketBindCheck admits a bind only to an existing websocket
// subscription.
func (c *Components) websocketBindCheck(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := c.Subscriptions.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.Channel.Type != subscription.ChannelWebsocket {
		return fmt.Errorf("subscription %s does not use the websocket channel", id)
	}
	return nil
}

func (c *Components) buildConformance(context.Context) error {
	cfg := c.Config
	c.Capabilities = fhir.NewCapabilityProvider(fhir.CapabilityConfig{
		ServerName:    cfg.ServerName,
		ServerVersion: cfg.ServerVersion,
		Description:   cfg.ServerDescription,
		BaseURL:       cfg.BaseURL,
		AuthEnabled:   cfg.AuthEnabled(),
	}, c.Types, c.Params, c.Profiles, c.Store, c.Operations)

	c.Params.OnChange(func(string) { c.Capabilities.Invalidate() })
	c.Profiles.OnChange(c.Capabilities.Invalidate)
	return nil
}

// Close releases the store, pool and websocket clients. It is safe to call
// more than once.
func (c *Components) Close() {
	c.closeOnce.Do(c.close)
}

func (c *Components) close() {
	if c.Hub != nil {
		c.Hub.Close()
	}
	switch {
	case c.Store != nil:
		// Closing the postgres store closes its pool.
		if err := c.Store.Close(); err != nil {
			c.Logger.Warn().Err(err).Msg("close store")
		}
	case c.Pool != nil:
		c.Pool.Close()
	}
}
