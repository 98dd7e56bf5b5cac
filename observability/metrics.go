// Package observability provides the Prometheus metrics collector shared by
// the lifecycle handlers and the HTTP server.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// MetricsConfig holds configuration for the Collector.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Subsystem string `yaml:"subsystem" json:"subsystem"`

	// CloudWatchNamespace, when set, also pushes event metrics to
	// CloudWatch after each Lambda invocation.
	CloudWatchNamespace string `yaml:"cloudWatchNamespace,omitempty" json:"cloudWatchNamespace,omitempty"`
}

// DefaultMetricsConfig returns the default configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Namespace: "volumeattach"}
}

// Collector wraps Prometheus metrics for lifecycle events and the platform
// calls they make. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	EventsTotal         *prometheus.CounterVec
	EventDuration       *prometheus.HistogramVec
	PlatformCalls       *prometheus.CounterVec
	CompletionPolls     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	sinks []EventSink
}

// EventSink receives every event recorded by a Collector.
type EventSink interface {
	RecordEvent(handler, requestType string, err error, duration time.Duration)
}

// AddSink forwards subsequent events to s. It must be called before the
// collector is shared.
func (c *Collector) AddSink(s EventSink) {
	c.sinks = append(c.sinks, s)
}

// NewCollector creates a Collector with its own Prometheus registry.
func NewCollector(cfg MetricsConfig) *Collector {
	reg := prometheus.NewRegistry()
	ns, sub := cfg.Namespace, cfg.Subsystem

	c := &Collector{
		registry: reg,
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "events_total",
			Help:      "Lifecycle events handled, by handler, request type and outcome",
		}, []string{"handler", "request_type", "outcome"}),
		EventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "event_duration_seconds",
			Help:      "Time spent handling a lifecycle event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler", "request_type"}),
		PlatformCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "platform_calls_total",
			Help:      "Calls made to EC2 and SSM, by operation and outcome",
		}, []string{"service", "operation", "outcome"}),
		CompletionPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "completion_polls_total",
			Help:      "Completion checks, by reported automation status",
		}, []string{"status"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		c.EventsTotal,
		c.EventDuration,
		c.PlatformCalls,
		c.CompletionPolls,
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns an HTTP handler that serves the collector's metrics.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordEvent records one handled lifecycle event.
func (c *Collector) RecordEvent(handler, requestType string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.EventsTotal.WithLabelValues(handler, requestType, outcome(err)).Inc()
	c.EventDuration.WithLabelValues(handler, requestType).Observe(duration.Seconds())
	for _, s := range c.sinks {
		s.RecordEvent(handler, requestType, err, duration)
	}
}

// RecordPlatformCall records one EC2 or SSM call.
func (c *Collector) RecordPlatformCall(service, operation string, err error) {
	if c == nil {
		return
	}
	c.PlatformCalls.WithLabelValues(service, operation, outcome(err)).Inc()
}

// RecordCompletionPoll records the status reported by one completion check.
func (c *Collector) RecordCompletionPoll(status string) {
	if c == nil {
		return
	}
	c.CompletionPolls.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}
