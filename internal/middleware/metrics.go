package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================================================
	// Frontend Metrics
	// ============================================================================

	// ConnectionsTotal: Connections and first datagrams seen by the frontend
	// Labels: protocol, verdict
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sockdispatch_frontend_connections_total",
			Help: "Total number of connections dispatched by the frontend",
		},
		[]string{"protocol", "verdict"},
	)

	// ActiveConnections: Connections currently proxied by the daemon (Gauge)
	// Labels: protocol
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sockdispatch_active_connections",
			Help: "Current number of connections proxied by the daemon",
		},
		[]string{"protocol"},
	)

	// ConnectionDuration: Lifetime of proxied connections (Histogram)
	// Labels: protocol
	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sockdispatch_connection_duration_seconds",
			Help:    "Connection lifetime in seconds",
			Buckets: []float64{0.01, 0.1, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"protocol"},
	)

	// HandoffFailuresTotal: Redirects that couldn't be handed to the backend
	// Labels: protocol, reason (backlog_full, closed, unsupported)
	HandoffFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sockdispatch_handoff_failures_total",
			Help: "Total redirected connections the backend socket did not take",
		},
		[]string{"protocol", "reason"},
	)

	// ============================================================================
	// Upstream Metrics
	// ============================================================================

	// UpstreamRequestsTotal: Connections forwarded to an upstream (Counter)
	// Labels: upstream, status
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sockdispatch_upstream_requests_total",
			Help: "Total connections forwarded to upstream services",
		},
		[]string{"upstream", "status"},
	)

	// UpstreamDuration: Upstream dial time (Histogram)
	// Labels: upstream
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sockdispatch_upstream_dial_duration_seconds",
			Help:    "Upstream dial time in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"upstream"},
	)

	// UpstreamBytes: Bytes proxied to and from upstreams (Counter)
	// Labels: protocol, direction (in/out)
	UpstreamBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sockdispatch_upstream_bytes_total",
			Help: "Total bytes proxied between clients and upstreams",
		},
		[]string{"protocol", "direction"},
	)

	// UpstreamHealth: Upstream health status (Gauge, 1=healthy, 0=unhealthy)
	// Labels: upstream
	UpstreamHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sockdispatch_upstream_health",
			Help: "Upstream health status (1=healthy, 0=unhealthy)",
		},
		[]string{"upstream"},
	)

	// ============================================================================
	// Security & Admin Metrics
	// ============================================================================

	// SecurityBlocksTotal: Connections refused before dispatch (Counter)
	// Labels: reason (blocked_source, rate_limit)
	SecurityBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sockdispatch_security_blocks_total",
			Help: "Total connections refused by admission checks",
		},
		[]string{"reason"},
	)

	// AdminRequestsTotal: Admin API requests (Counter)
	// Labels: method, status
	AdminRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sockdispatch_admin_requests_total",
			Help: "Total admin API requests",
		},
		[]string{"method", "status"},
	)

	// AdminRequestDuration: Admin API latency (Histogram)
	AdminRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sockdispatch_admin_request_duration_seconds",
			Help:    "Admin API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// AuditDroppedTotal: Audit entries dropped because the buffer was full
	AuditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sockdispatch_audit_dropped_total",
			Help: "Total verdict audit entries dropped",
		},
	)
)

// RecordVerdict counts a dispatched connection
func RecordVerdict(protocol, verdict string) {
	ConnectionsTotal.WithLabelValues(protocol, verdict).Inc()
}

// RecordHandoffFailure counts a redirect the backend didn't take
func RecordHandoffFailure(protocol, reason string) {
	HandoffFailuresTotal.WithLabelValues(protocol, reason).Inc()
}

func IncActiveConnections(protocol string) {
	ActiveConnections.WithLabelValues(protocol).Inc()
}

func DecActiveConnections(protocol string) {
	ActiveConnections.WithLabelValues(protocol).Dec()
}

// RecordConnectionDuration records connection lifetime
func RecordConnectionDuration(protocol string, durationSeconds float64) {
	ConnectionDuration.WithLabelValues(protocol).Observe(durationSeconds)
}

// RecordUpstreamRequest records upstream request metrics
func RecordUpstreamRequest(upstream, status string, durationSeconds float64) {
	UpstreamRequestsTotal.WithLabelValues(upstream, status).Inc()
	UpstreamDuration.WithLabelValues(upstream).Observe(durationSeconds)
}

// RecordUpstreamBytes records proxied bytes
func RecordUpstreamBytes(protocol string, bytesIn, bytesOut int64) {
	UpstreamBytes.WithLabelValues(protocol, "in").Add(float64(bytesIn))
	UpstreamBytes.WithLabelValues(protocol, "out").Add(float64(bytesOut))
}

// SetUpstreamHealth sets upstream health status
func SetUpstreamHealth(upstream string, healthy bool) {
	health := 0.0
	if healthy {
		health = 1.0
	}
	UpstreamHealth.WithLabelValues(upstream).Set(health)
}

// RecordSecurityBlock records a security block event
func RecordSecurityBlock(reason string) {
	SecurityBlocksTotal.WithLabelValues(reason).Inc()
}

// RecordAdminRequest records an admin API request
func RecordAdminRequest(method, status string, durationSeconds float64) {
	AdminRequestsTotal.WithLabelValues(method, status).Inc()
	AdminRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}
