package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/mitre/fhirserver/internal/platform/auth"
	"github.com/mitre/fhirserver/internal/platform/db"
	"github.com/mitre/fhirserver/internal/platform/fhir"
	"github.com/mitre/fhirserver/internal/platform/middleware"
	"github.com/mitre/fhirserver/internal/platform/websocket"
)

const shutdownTimeout = 10 * time.Second

// Router builds the echo instance with every route and middleware.
func (c *Components) Router() (*echo.Echo, error) {
	cfg := c.Config
	logger := c.Logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = fhir.HTTPErrorHandler(logger)

	websocketPath := cfg.BasePath + "/websocket"
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "If-None-Match", "Prefer", middleware.RequestIDHeader},
		ExposeHeaders: []string{"ETag", "Location", "Last-Modified", "Link", middleware.RequestIDHeader},
	}))
	e.Use(c.Telemetry.MetricsMiddleware(fhir.StatusFor))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, func(ec echo.Context) bool {
		return ec.Request().URL.Path == websocketPath
	}))

	backend := cfg.StoreDriver
	e.GET("/health", func(ec echo.Context) error {
		return ec.JSON(http.StatusOK, map[string]string{"status": "ok", "version": Version})
	})
	e.GET("/health/db", db.HealthHandler(backend, c.pinger, c.Pool))
	e.GET("/metrics", c.Telemetry.Handler())

	g := e.Group(cfg.BasePath)
	g.Use(fhir.AccessLogMiddleware(logger, cfg.BasePath))
	g.Use(fhir.ContentNegotiationMiddleware(cfg.PrettyPrint))
	if cfg.AuthEnabled() {
		g.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.NewSkipper(cfg.BasePath),
		}))
	} else {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set; every request runs as admin")
		g.Use(auth.DevAuthMiddleware())
	}

	fhir.NewCapabilityHandler(c.Capabilities).RegisterRoutes(g)
	if c.Hub != nil {
		websocket.NewHandler(c.Hub).RegisterRoutes(g)
	}

	c.rest.RegisterRoutes(g)
	return e, nil
}

// Run serves HTTP and runs the background workers until ctx is cancelled
// or one of them fails.
func (c *Components) Run(ctx context.Context) error {
	e, err := c.Router()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + c.Config.Port
		c.Logger.Info().Str("addr", addr).Str("base_url", c.Config.BaseURL).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		c.Logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if c.Dispatcher != nil {
		g.Go(func() error { return c.Dispatcher.Run(ctx) })
	}
	if c.Config.ProfilesDir != "" {
		g.Go(func() error { return c.Profiles.Watch(ctx) })
	}

	err = g.Wait()
	c.Logger.Info().Msg("server stopped")
	return err
}
