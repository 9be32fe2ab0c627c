package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Batch metrics
	BatchJobsTotal     *prometheus.CounterVec
	BatchItemsTotal    *prometheus.CounterVec
	BatchActiveWorkers prometheus.Gauge

	// Dispatch metrics
	DispatchAttemptsTotal *prometheus.CounterVec
	DispatchDuration      *prometheus.HistogramVec
	DispatchBreakerState  *prometheus.GaugeVec

	// Ledger metrics
	CreditsOperationsTotal *prometheus.CounterVec
}

// New creates metrics registered on the default registry.
func New(namespace string) *Metrics {
	return NewWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics registered on reg.
func NewWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "batchgen"
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		BatchJobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "batch",
				Name:      "jobs_total",
				Help:      "Batch jobs by final status",
			},
			[]string{"status"},
		),
		BatchItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "batch",
				Name:      "items_total",
				Help:      "Batch items by terminal status and error kind",
			},
			[]string{"status", "error_kind"},
		),
		BatchActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "batch",
				Name:      "active_workers",
				Help:      "Number of batch workers currently running",
			},
		),

		DispatchAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "attempts_total",
				Help:      "Provider dispatch attempts by outcome",
			},
			[]string{"provider", "outcome"}, // outcome: success, transient, permanent, quota
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "Provider dispatch attempt duration in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		DispatchBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),

		CreditsOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credits",
				Name:      "operations_total",
				Help:      "Ledger operations by type and result",
			},
			[]string{"op", "result"},
		),
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobFinished records a job reaching a terminal status.
func (m *Metrics) RecordJobFinished(status string) {
	if m == nil {
		return
	}
	m.BatchJobsTotal.WithLabelValues(status).Inc()
}

// RecordItem records an item reaching a terminal status.
func (m *Metrics) RecordItem(status, errorKind string) {
	if m == nil {
		return
	}
	m.BatchItemsTotal.WithLabelValues(status, errorKind).Inc()
}

// WorkerStarted increments the active worker gauge.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.BatchActiveWorkers.Inc()
}

// WorkerStopped decrements the active worker gauge.
func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.BatchActiveWorkers.Dec()
}

// RecordDispatchAttempt records one provider call.
func (m *Metrics) RecordDispatchAttempt(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DispatchAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	m.DispatchDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// SetBreakerState records the breaker state of a provider.
func (m *Metrics) SetBreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.DispatchBreakerState.WithLabelValues(provider).Set(float64(state))
}

// RecordCreditsOp records a ledger operation.
func (m *Metrics) RecordCreditsOp(op, result string) {
	if m == nil {
		return
	}
	m.CreditsOperationsTotal.WithLabelValues(op, result).Inc()
}

// statusCodeToString converts an HTTP status code to a string category.
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
