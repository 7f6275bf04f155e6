// Package metrics exports Prometheus metrics for dispatches, connections
// and channels.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/morezero/sockr/pkg/rpc"
)

const startKey = "metrics.start"

// Config configures a Collector.
type Config struct {
	// Namespace is the metrics namespace (default: "sockr").
	Namespace string
	// Buckets are the histogram buckets for dispatch duration.
	Buckets []float64
	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Option configures a Collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

// WithBuckets sets the dispatch duration buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

// WithRegistry sets the Prometheus registerer.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

// Collector observes dispatcher events and times dispatches.
type Collector struct {
	cfg     Config
	factory promauto.Factory

	activeConnections prometheus.Gauge
	connectionEvents  *prometheus.CounterVec
	channelEvents     *prometheus.CounterVec
	dispatchErrors    *prometheus.CounterVec
	transportErrors   prometheus.Counter
	requests          *prometheus.CounterVec
	duration          *prometheus.HistogramVec
}

// New registers the metrics and returns a Collector.
func New(opts ...Option) *Collector {
	cfg := Config{
		Namespace: "sockr",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Collector{
		cfg:     cfg,
		factory: factory,

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "active_connections",
			Help:      "Number of accepted connections that have not closed",
		}),
		connectionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events by kind",
		}, []string{"kind"}),
		channelEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "channel_membership_events_total",
			Help:      "Channel joins and leaves",
		}, []string{"kind"}),
		dispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "dispatch_errors_total",
			Help:      "Errors handled by the default error handler, by error name",
		}, []string{"name"}),
		transportErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "transport_errors_total",
			Help:      "Failed sends, pings and pub/sub operations",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "requests_total",
			Help:      "Dispatched requests by service, method and status",
		}, []string{"service", "method", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "request_duration_seconds",
			Help:      "Dispatch duration in seconds",
			Buckets:   cfg.Buckets,
		}, []string{"service", "method"}),
	}
}

// Instrument wires the collector into d: it observes events, times every
// dispatch with app-global hooks and exports the channel count.
func (c *Collector) Instrument(d *rpc.Dispatcher) {
	d.Observe(c)
	d.Hooks().Before(c.start).After(c.finish)
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.cfg.Namespace,
		Name:      "channels",
		Help:      "Number of live channels",
	}, func() float64 { return float64(d.Channels().Len()) })
}

// Observe implements rpc.Observer.
func (c *Collector) Observe(e rpc.Event) {
	switch e.Kind {
	case rpc.EventConnection:
		c.activeConnections.Inc()
		c.connectionEvents.WithLabelValues(string(e.Kind)).Inc()
	case rpc.EventClose:
		c.activeConnections.Dec()
		c.connectionEvents.WithLabelValues(string(e.Kind)).Inc()
	case rpc.EventUnauthorized:
		c.connectionEvents.WithLabelValues(string(e.Kind)).Inc()
	case rpc.EventJoined, rpc.EventLeft:
		c.channelEvents.WithLabelValues(string(e.Kind)).Inc()
	case rpc.EventTransportError:
		c.transportErrors.Inc()
	case rpc.EventError:
		c.dispatchErrors.WithLabelValues(errorName(e.Err)).Inc()
		if e.Context != nil {
			c.record(e.Context, "error")
		}
	}
}

func (c *Collector) start(_ context.Context, ctx *rpc.Context) error {
	ctx.Set(startKey, time.Now())
	return nil
}

func (c *Collector) finish(_ context.Context, ctx *rpc.Context) error {
	status := "ok"
	if ctx.Response != nil && ctx.Response.Cached {
		status = "cached"
	}
	c.record(ctx, status)
	return nil
}

// record counts a request and observes its duration when the start hook ran.
func (c *Collector) record(ctx *rpc.Context, status string) {
	h := ctx.Header()
	if h == nil || h.Service == "" {
		return
	}
	c.requests.WithLabelValues(h.Service, h.Method, status).Inc()
	if start, ok := ctx.Value(startKey).(time.Time); ok {
		c.duration.WithLabelValues(h.Service, h.Method).Observe(time.Since(start).Seconds())
	}
}

func errorName(err error) string {
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.Name != "" {
		return rpcErr.Name
	}
	return rpc.NameUnknown
}
