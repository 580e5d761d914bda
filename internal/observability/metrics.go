// Package observability provides Prometheus metrics for the order and
// position pipeline.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Submission metrics
	OrdersSubmitted    *prometheus.CounterVec
	SubmissionFailures *prometheus.CounterVec

	// Reconciliation metrics
	ExecutionsReceived   *prometheus.CounterVec
	DuplicateExecutions  prometheus.Counter
	ReconcileFailures    *prometheus.CounterVec
	ReconcileLatency     prometheus.Histogram
	PositionFillsApplied prometheus.Counter

	// Fan-out metrics
	PublishedEvents   *prometheus.CounterVec
	WSClients         prometheus.Gauge
	PersistQueueDepth prometheus.Gauge
	PersistErrors     *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance registered on its own registry,
// so several instances can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "klear_fix"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		OrdersSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "orders_submitted_total",
			Help:      "Total number of order messages handed to the transport by type",
		}, []string{"type"}),
		SubmissionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "submission_failures_total",
			Help:      "Total number of order submissions refused by reason",
		}, []string{"type", "reason"}),

		ExecutionsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "executions_received_total",
			Help:      "Total number of execution events received by execution type",
		}, []string{"execution_type"}),
		DuplicateExecutions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duplicate_executions_total",
			Help:      "Total number of execution events discarded as duplicates",
		}),
		ReconcileFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "failures_total",
			Help:      "Total number of execution events that could not be reconciled by reason",
		}, []string{"reason"}),
		ReconcileLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "latency_seconds",
			Help:      "Time spent reconciling one execution event",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .1},
		}),
		PositionFillsApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "position_fills_total",
			Help:      "Total number of fills applied to positions",
		}),

		PublishedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "events_total",
			Help:      "Total number of published updates by kind",
		}, []string{"kind"}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "websocket_clients",
			Help:      "Current number of connected WebSocket clients",
		}),
		PersistQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "queue_depth",
			Help:      "Current number of updates waiting to be written",
		}),
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "write_errors_total",
			Help:      "Total number of failed or dropped writes by kind",
		}, []string{"kind"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		registry: reg,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
