// Package metrics exposes the server's Prometheus instrumentation:
// connection gauges, handshake-failure and middleware-rejection counters,
// and a dispatch-latency histogram, served on GET /metrics via promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the server reports, registered against its
// own prometheus.Registry so tests can create an isolated instance instead
// of colliding on the global default registerer.
type Registry struct {
	reg *prometheus.Registry

	ConnectionsTotal        prometheus.Gauge
	ConnectionsAuthenticated prometheus.Gauge
	HandshakeFailuresTotal  prometheus.Counter
	DispatchDuration        *prometheus.HistogramVec
	MiddlewareRejections    *prometheus.CounterVec
}

// New creates a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		ConnectionsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ecp_connections_total",
			Help: "Number of currently tracked WebSocket connections, any auth state.",
		}),
		ConnectionsAuthenticated: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ecp_connections_authenticated",
			Help: "Number of currently authenticated WebSocket connections.",
		}),
		HandshakeFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecp_handshake_failures_total",
			Help: "Total handshake attempts rejected (invalid token or timeout).",
		}),
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ecp_dispatch_duration_seconds",
			Help:    "Dispatch pipeline latency per method, from adapter resolution to response send.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "outcome"}),
		MiddlewareRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ecp_middleware_rejections_total",
			Help: "Total requests rejected by a middleware, labeled by middleware name.",
		}, []string{"middleware"}),
	}
}

// Registerer exposes the underlying prometheus.Registry for promhttp.Handler.
func (r *Registry) Registerer() *prometheus.Registry { return r.reg }

// ObserveDispatch satisfies wsconn.Metrics.
func (r *Registry) ObserveDispatch(method string, duration time.Duration, outcome string) {
	r.DispatchDuration.WithLabelValues(method, outcome).Observe(duration.Seconds())
}

// IncMiddlewareRejection satisfies wsconn.Metrics.
func (r *Registry) IncMiddlewareRejection(middlewareName string) {
	r.MiddlewareRejections.WithLabelValues(middlewareName).Inc()
}

// SetConnectionCounts updates the two connection gauges, called periodically
// (e.g. alongside the heartbeat sweep) rather than on every connect/disconnect
// to avoid adding a metrics write to the hot connection-accept path.
func (r *Registry) SetConnectionCounts(total, authenticated int) {
	r.ConnectionsTotal.Set(float64(total))
	r.ConnectionsAuthenticated.Set(float64(authenticated))
}

// IncHandshakeFailure satisfies the auth handshake's failure reporting.
func (r *Registry) IncHandshakeFailure() {
	r.HandshakeFailuresTotal.Inc()
}
