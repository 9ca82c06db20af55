// Package metrics exports client and worker measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/glimte/rabbitrpc/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "rabbitrpc"

var _ messaging.MetricsRecorder = (*Collector)(nil)

// Collector implements messaging.MetricsRecorder with Prometheus collectors
// registered on its own registry
type Collector struct {
	registry *prometheus.Registry

	sendsTotal      *prometheus.CounterVec
	callsTotal      *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	deliveriesTotal *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	droppedReplies  prometheus.Counter
}

type collectorConfig struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry
}

// Option configures the collector
type Option func(*collectorConfig)

// WithNamespace sets the metric name prefix
func WithNamespace(namespace string) Option {
	return func(c *collectorConfig) {
		c.namespace = namespace
	}
}

// WithBuckets sets the histogram buckets in seconds
func WithBuckets(buckets []float64) Option {
	return func(c *collectorConfig) {
		c.buckets = buckets
	}
}

// WithRegistry registers the collectors on registry instead of a fresh one
func WithRegistry(registry *prometheus.Registry) Option {
	return func(c *collectorConfig) {
		c.registry = registry
	}
}

// NewCollector creates and registers the collectors
func NewCollector(opts ...Option) (*Collector, error) {
	cfg := &collectorConfig{
		namespace: defaultNamespace,
		buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.registry == nil {
		cfg.registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: cfg.registry,
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "sends_total",
			Help:      "Fire-and-forget messages sent, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "calls_total",
			Help:      "Request/reply calls made, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from publishing a request to receiving its reply.",
			Buckets:   cfg.buckets,
		}, []string{"queue", "outcome"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "deliveries_total",
			Help:      "Deliveries processed by workers, by queue, handler and outcome.",
		}, []string{"queue", "handler", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent handling, replying to and settling one delivery.",
			Buckets:   cfg.buckets,
		}, []string{"queue", "handler"}),
		droppedReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "dropped_replies_total",
			Help:      "Replies discarded because no call was waiting for their correlation id.",
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.sendsTotal,
		c.callsTotal,
		c.callDuration,
		c.deliveriesTotal,
		c.handlerDuration,
		c.droppedReplies,
	} {
		if err := c.registry.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// RecordSend implements messaging.MetricsRecorder
func (c *Collector) RecordSend(queue, outcome string) {
	c.sendsTotal.WithLabelValues(queue, outcome).Inc()
}

// RecordCall implements messaging.MetricsRecorder
func (c *Collector) RecordCall(queue, outcome string, duration time.Duration) {
	c.callsTotal.WithLabelValues(queue, outcome).Inc()
	c.callDuration.WithLabelValues(queue, outcome).Observe(duration.Seconds())
}

// RecordDelivery implements messaging.MetricsRecorder
func (c *Collector) RecordDelivery(queue, handler, outcome string, duration time.Duration) {
	c.deliveriesTotal.WithLabelValues(queue, handler, outcome).Inc()
	c.handlerDuration.WithLabelValues(queue, handler).Observe(duration.Seconds())
}

// RecordDroppedReply implements messaging.MetricsRecorder
func (c *Collector) RecordDroppedReply() {
	c.droppedReplies.Inc()
}

// Registry returns the registry the collectors are registered on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
