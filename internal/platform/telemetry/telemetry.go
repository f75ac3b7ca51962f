// Package telemetry exposes Prometheus metrics for the FHIR server: HTTP
// request counts and latencies, store operation durations, subscription
// delivery outcomes and queue drops. Metrics are served from a private
// registry at GET /metrics.
package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fhir"

// Config holds the labels attached to the build info gauge.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "fhir-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// Provider owns the metric registry and every collector the server reports.
type Provider struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	active     prometheus.Gauge
	storeOps   *prometheus.HistogramVec
	deliveries *prometheus.CounterVec
	dropped    prometheus.Counter
}

// NewProvider builds a Provider with its own registry, including the Go
// runtime and process collectors.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()

	reg := prometheus.NewRegistry()
	p := &Provider{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status", "resource_type"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Requests currently being served.",
		}),
		storeOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Resource store operation latency by outcome.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op", "resource_type", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "deliveries_total",
			Help:      "Subscription notification deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "queue_dropped_total",
			Help:      "Change events dropped because the dispatch queue was full.",
		}),
	}

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build information.",
		ConstLabels: prometheus.Labels{"service": cfg.ServiceName, "version": cfg.ServiceVersion, "environment": cfg.Environment},
	})
	info.Set(1)

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		info,
		p.requests, p.latency, p.active,
		p.storeOps, p.deliveries, p.dropped,
	)
	return p
}

// Registry returns the underlying registry.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// RegisterGaugeFunc exposes a value sampled at scrape time.
func (p *Provider) RegisterGaugeFunc(subsystem, name, help string, fn func() float64) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
	return p.registry.Register(g)
}

// ObserveStore records one store operation.
func (p *Provider) ObserveStore(op, resourceType string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.storeOps.WithLabelValues(op, resourceType, outcome).Observe(d.Seconds())
}

// DeliveryRecorded counts one delivery attempt outcome for a channel.
func (p *Provider) DeliveryRecorded(channel, outcome string) {
	p.deliveries.WithLabelValues(channel, outcome).Inc()
}

// QueueDropped counts an event dropped by the dispatcher.
func (p *Provider) QueueDropped() {
	p.dropped.Inc()
}

// StatusResolver maps a handler error onto the status the error handler will
// write. The middleware runs before the error handler so it cannot read the
// final status from the response.
type StatusResolver func(err error) int

// MetricsMiddleware records request count, latency and in-flight requests.
// The route label uses the registered path pattern to keep cardinality low.
func (p *Provider) MetricsMiddleware(resolve StatusResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.active.Inc()
			defer p.active.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				switch {
				case resolve != nil:
					status = resolve(err)
				case errors.As(err, &he):
					status = he.Code
				default:
					status = http.StatusInternalServerError
				}
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			req := c.Request()
			p.requests.WithLabelValues(req.Method, route, strconv.Itoa(status), resourceTypeOf(req.URL.Path)).Inc()
			p.latency.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

// resourceTypeOf returns the first path segment that looks like a FHIR
// resource type (starts with an upper-case letter), or "".
func resourceTypeOf(path string) string {
	for _, seg := range strings.Split(path, "/") {
		if seg != "" && seg[0] >= 'A' && seg[0] <= 'Z' {
			return seg
		}
	}
	return ""
}
