package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting gateway metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - HTTP request flow through the gateway endpoints
//   - Upstream provider performance and response times
//   - Token consumption per provider and model
//   - Error rates categorized by provider and type
//   - Credential pool health and scheduler activity
type Metrics struct {
	// HTTPRequestDuration measures gateway request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts gateway requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// ProviderRequestDuration measures upstream call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts upstream requests.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// ConversionCounter counts cross-dialect request translations.
	// Labels: from_dialect, to_dialect
	ConversionCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (gateway|provider|scheduler|heartbeat|sidecar), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveStreams gauges in-flight SSE streams.
	// Labels: dialect
	ActiveStreams *prometheus.GaugeVec

	// CredentialsAvailable gauges usable credentials in the pool.
	// Labels: provider
	CredentialsAvailable *prometheus.GaugeVec

	// SchedulerRunCounter counts scheduled task executions.
	// Labels: status (completed|failed|cancelled)
	SchedulerRunCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures SQLite query latency in seconds.
	// Labels: operation (select|insert|update|delete), table
	DatabaseQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics with the
// default registry. Call once at startup; the /metrics endpoint serves
// them via the standard prometheus handler.
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxycast_http_request_duration_seconds",
				Help:    "Duration of gateway HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxycast_http_requests_total",
				Help: "Total number of gateway HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		ProviderRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxycast_provider_request_duration_seconds",
				Help:    "Duration of upstream provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ProviderRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxycast_provider_requests_total",
				Help: "Total number of upstream requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		TokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxycast_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ConversionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxycast_conversions_total",
				Help: "Total number of cross-dialect request translations",
			},
			[]string{"from_dialect", "to_dialect"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxycast_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxycast_active_streams",
				Help: "Current number of in-flight streaming responses by dialect",
			},
			[]string{"dialect"},
		),

		CredentialsAvailable: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxycast_credentials_available",
				Help: "Current number of usable credentials by provider",
			},
			[]string{"provider"},
		),

		SchedulerRunCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxycast_scheduler_runs_total",
				Help: "Total number of scheduled task executions by final status",
			},
			[]string{"status"},
		),

		DatabaseQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxycast_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),
	}
}

// RecordHTTPRequest records metrics for a gateway HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordProviderRequest records metrics for an upstream provider call.
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordConversion counts a request translated between wire dialects.
func (m *Metrics) RecordConversion(fromDialect, toDialect string) {
	m.ConversionCounter.WithLabelValues(fromDialect, toDialect).Inc()
}

// RecordError increments the error counter for a component and type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// StreamStarted increments the in-flight stream gauge.
func (m *Metrics) StreamStarted(dialect string) {
	m.ActiveStreams.WithLabelValues(dialect).Inc()
}

// StreamEnded decrements the in-flight stream gauge.
func (m *Metrics) StreamEnded(dialect string) {
	m.ActiveStreams.WithLabelValues(dialect).Dec()
}

// SetCredentialsAvailable reports pool health for a provider.
func (m *Metrics) SetCredentialsAvailable(provider string, count int) {
	m.CredentialsAvailable.WithLabelValues(provider).Set(float64(count))
}

// RecordSchedulerRun counts a scheduled task reaching a final status.
func (m *Metrics) RecordSchedulerRun(status string) {
	m.SchedulerRunCounter.WithLabelValues(status).Inc()
}

// RecordDatabaseQuery records latency for a database query.
func (m *Metrics) RecordDatabaseQuery(operation, table string, durationSeconds float64) {
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
