// Package metrics provides Prometheus metrics for the tunnel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "wstunnel"

// Roles label which side of the tunnel recorded a sample.
const (
	RoleServer = "server"
	RoleClient = "client"
)

// Payload directions, named from the relay's point of view.
const (
	DirectionToTarget   = "to_target"
	DirectionFromTarget = "from_target"
)

// Metrics holds all Prometheus metrics. All methods are safe to call on
// a nil receiver, so instrumentation stays optional.
type Metrics struct {
	Registry *prometheus.Registry

	sessionsTotal     prometheus.Counter
	activeSessions    prometheus.Gauge
	connectionsTotal  *prometheus.CounterVec
	activeConnections *prometheus.GaugeVec
	bytesTotal        *prometheus.CounterVec
	protocolErrors    *prometheus.CounterVec
	dialDuration      *prometheus.HistogramVec
}

// New creates a Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total WebSocket control channels accepted by the relay.",
		}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently open control channels.",
		}),

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total logical tunnel connections, by final status.",
		}, []string{"role", "status"}),

		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently established logical connections.",
		}, []string{"role"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total payload bytes carried through the tunnel.",
		}, []string{"role", "direction"}),

		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total protocol errors reported on the control channel, by code.",
		}, []string{"role", "code"}),

		dialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Time spent dialing target hosts, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.activeSessions,
		m.connectionsTotal,
		m.activeConnections,
		m.bytesTotal,
		m.protocolErrors,
		m.dialDuration,
	)

	return m
}

// SessionOpened records an accepted control channel.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.activeSessions.Inc()
}

// SessionClosed records a control channel teardown.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// ConnectionEstablished records a logical connection entering the
// ESTABLISHED state.
func (m *Metrics) ConnectionEstablished(role string) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(role).Inc()
}

// ConnectionClosed records the end of an established logical connection.
// status is the final wire status (CLOSED or FAILED).
func (m *Metrics) ConnectionClosed(role, status string) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(role).Dec()
	m.connectionsTotal.WithLabelValues(role, status).Inc()
}

// ConnectionFailed records a logical connection that never established.
func (m *Metrics) ConnectionFailed(role, status string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(role, status).Inc()
}

// AddBytes records payload bytes carried in one direction.
func (m *Metrics) AddBytes(role, direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(role, direction).Add(float64(n))
}

// ProtocolError records an error code sent or observed on the control channel.
func (m *Metrics) ProtocolError(role, code string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(role, code).Inc()
}

// ObserveDialDuration records how long an outbound target dial took.
func (m *Metrics) ObserveDialDuration(role string, seconds float64) {
	if m == nil {
		return
	}
	m.dialDuration.WithLabelValues(role).Observe(seconds)
}
