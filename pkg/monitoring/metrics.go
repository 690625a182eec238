package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code", "service"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "service"},
	)

	// Grant lifecycle metrics
	grantDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grant_decisions_total",
			Help: "Total number of grant lifecycle decisions",
		},
		[]string{"decision", "outcome", "service"},
	)

	accessChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_checks_total",
			Help: "Total number of access scope evaluations",
		},
		[]string{"capability", "allowed", "service"},
	)

	// Credential metrics
	credentialsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credentials_issued_total",
			Help: "Total number of prescription credentials issued",
		},
		[]string{"outcome", "service"},
	)

	credentialVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_verifications_total",
			Help: "Total number of credential verification attempts",
		},
		[]string{"outcome", "service"},
	)

	// Dispensation metrics
	dispensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispensations_total",
			Help: "Total number of dispensation attempts",
		},
		[]string{"outcome", "service"},
	)

	// Audit sink metrics
	auditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Total number of audit events",
		},
		[]string{"event_type", "success", "service"},
	)

	auditEventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Audit events dropped because the sink buffer was full",
		},
		[]string{"service"},
	)

	// System metrics
	systemErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "system_errors_total",
			Help: "Total number of system errors",
		},
		[]string{"error_type", "service", "component"},
	)
)

// MetricsCollector handles Prometheus metrics collection
type MetricsCollector struct {
	serviceName string
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(serviceName string) *MetricsCollector {
	// Register metrics
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grantDecisionsTotal,
		accessChecksTotal,
		credentialsIssuedTotal,
		credentialVerificationsTotal,
		dispensationsTotal,
		auditEventsTotal,
		auditEventsDropped,
		systemErrors,
	)

	return &MetricsCollector{
		serviceName: serviceName,
	}
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// RecordGrantDecision records grant lifecycle decision metrics
func (m *MetricsCollector) RecordGrantDecision(decision, outcome string) {
	grantDecisionsTotal.WithLabelValues(decision, outcome, m.serviceName).Inc()
}

// RecordAccessCheck records access scope evaluation metrics
func (m *MetricsCollector) RecordAccessCheck(capability string, allowed bool) {
	accessChecksTotal.WithLabelValues(capability, strconv.FormatBool(allowed), m.serviceName).Inc()
}

// RecordCredentialIssued records credential issuance metrics
func (m *MetricsCollector) RecordCredentialIssued(outcome string) {
	credentialsIssuedTotal.WithLabelValues(outcome, m.serviceName).Inc()
}

// RecordCredentialVerification records credential verification metrics
func (m *MetricsCollector) RecordCredentialVerification(outcome string) {
	credentialVerificationsTotal.WithLabelValues(outcome, m.serviceName).Inc()
}

// RecordDispensation records dispensation attempt metrics
func (m *MetricsCollector) RecordDispensation(outcome string) {
	dispensationsTotal.WithLabelValues(outcome, m.serviceName).Inc()
}

// RecordAuditEvent records audit event metrics
func (m *MetricsCollector) RecordAuditEvent(eventType string, success bool) {
	auditEventsTotal.WithLabelValues(eventType, strconv.FormatBool(success), m.serviceName).Inc()
}

// RecordAuditEventDropped records a dropped audit event
func (m *MetricsCollector) RecordAuditEventDropped() {
	auditEventsDropped.WithLabelValues(m.serviceName).Inc()
}

// RecordSystemError records system error metrics
func (m *MetricsCollector) RecordSystemError(errorType, component string) {
	systemErrors.WithLabelValues(errorType, m.serviceName, component).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.Handler()
}

// HTTPMiddleware creates middleware for HTTP request metrics
func (m *MetricsCollector) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)
		statusCode := strconv.Itoa(wrapper.statusCode)

		m.RecordHTTPRequest(r.Method, r.URL.Path, statusCode, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
