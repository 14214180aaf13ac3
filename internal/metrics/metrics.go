package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the dependency-injection seam used by the rest of the
// module; NoOpMetrics satisfies it for tests that don't want a real
// Prometheus registry.
type Metrics interface {
	RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration)
	RecordAdmissionDenied(tool, reason string)
	RecordCreditsDebited(amount float64)
	SetBreakerState(backend string, state int)
	SetWebhookQueueDepth(depth float64)
	RecordQuotaRollover(period string)
	SetDBConnectionsActive(count float64)
	RecordDBQuery(operation, status string)
	Handler() http.Handler
}

// NoOpMetrics provides a no-op implementation for unit tests.
type NoOpMetrics struct{}

func (m *NoOpMetrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
}
func (m *NoOpMetrics) RecordAdmissionDenied(tool, reason string) {}
func (m *NoOpMetrics) RecordCreditsDebited(amount float64)       {}
func (m *NoOpMetrics) SetBreakerState(backend string, state int) {}
func (m *NoOpMetrics) SetWebhookQueueDepth(depth float64)        {}
func (m *NoOpMetrics) RecordQuotaRollover(period string)         {}
func (m *NoOpMetrics) SetDBConnectionsActive(count float64)      {}
func (m *NoOpMetrics) RecordDBQuery(operation, status string)    {}
func (m *NoOpMetrics) Handler() http.Handler                     { return http.NotFoundHandler() }

// promMetrics is the real, Prometheus-backed implementation.
type promMetrics struct {
	httpRequests      *prometheus.HistogramVec
	admissionDenied   *prometheus.CounterVec
	creditsDebited    prometheus.Counter
	breakerState      *prometheus.GaugeVec
	webhookQueueDepth prometheus.Gauge
	quotaRollovers    *prometheus.CounterVec
	dbConnsActive     prometheus.Gauge
	dbQueries         *prometheus.CounterVec
	registry          *prometheus.Registry
}

func newPromMetrics() *promMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &promMetrics{
		registry: reg,
		httpRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint", "status"}),
		admissionDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_admission_denied_total",
			Help: "Gate admission denials by tool and reason.",
		}, []string{"tool", "reason"}),
		creditsDebited: factory.NewCounter(prometheus.CounterOpts{
			Name: "toolgate_credits_debited_total",
			Help: "Total credits committed at the proxy commit point.",
		}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toolgate_circuit_breaker_state",
			Help: "Circuit breaker state per backend (0=closed,1=half_open,2=open).",
		}, []string{"backend"}),
		webhookQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "toolgate_webhook_queue_depth",
			Help: "Number of queued webhook deliveries across all targets.",
		}),
		quotaRollovers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_quota_rollovers_total",
			Help: "Quota period advances by period kind.",
		}, []string{"period"}),
		dbConnsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "toolgate_db_connections_active",
			Help: "Active database connections.",
		}),
		dbQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_db_queries_total",
			Help: "Database operations by kind and outcome.",
		}, []string{"operation", "status"}),
	}
}

func (m *promMetrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, endpoint, statusText(statusCode)).Observe(duration.Seconds())
}
func (m *promMetrics) RecordAdmissionDenied(tool, reason string) {
	m.admissionDenied.WithLabelValues(tool, reason).Inc()
}
func (m *promMetrics) RecordCreditsDebited(amount float64) { m.creditsDebited.Add(amount) }
func (m *promMetrics) SetBreakerState(backend string, state int) {
	m.breakerState.WithLabelValues(backend).Set(float64(state))
}
func (m *promMetrics) SetWebhookQueueDepth(depth float64) { m.webhookQueueDepth.Set(depth) }
func (m *promMetrics) RecordQuotaRollover(period string)  { m.quotaRollovers.WithLabelValues(period).Inc() }
func (m *promMetrics) SetDBConnectionsActive(count float64) { m.dbConnsActive.Set(count) }
func (m *promMetrics) RecordDBQuery(operation, status string) {
	m.dbQueries.WithLabelValues(operation, status).Inc()
}
func (m *promMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusText(code int) string {
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
		return "other"
	}
}

// Global metrics instance, swappable by Init.
var globalMetrics Metrics = &NoOpMetrics{}

// Init initializes the Prometheus-backed metrics implementation.
func Init() {
	globalMetrics = newPromMetrics()
}

// Handler returns the metrics HTTP handler.
func Handler() http.Handler { return globalMetrics.Handler() }

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	globalMetrics.RecordHTTPRequest(method, endpoint, statusCode, duration)
}

// RecordAdmissionDenied records a gate denial by tool and reason.
func RecordAdmissionDenied(tool, reason string) { globalMetrics.RecordAdmissionDenied(tool, reason) }

// RecordCreditsDebited records credits committed at the proxy commit point.
func RecordCreditsDebited(amount float64) { globalMetrics.RecordCreditsDebited(amount) }

// SetBreakerState records the circuit breaker state for a backend.
func SetBreakerState(backend string, state int) { globalMetrics.SetBreakerState(backend, state) }

// SetWebhookQueueDepth records the webhook batcher's queue depth.
func SetWebhookQueueDepth(depth float64) { globalMetrics.SetWebhookQueueDepth(depth) }

// RecordQuotaRollover records a quota period advance.
func RecordQuotaRollover(period string) { globalMetrics.RecordQuotaRollover(period) }

// SetDBConnectionsActive sets the number of active database connections.
func SetDBConnectionsActive(count float64) { globalMetrics.SetDBConnectionsActive(count) }

// RecordDBQuery records database query metrics.
func RecordDBQuery(operation, status string) { globalMetrics.RecordDBQuery(operation, status) }
