package manager

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/client"
)

// metrics holds the manager's Prometheus instrumentation. A fresh registry
// is used per Manager instance so that multiple managers (as in tests) never
// collide on global registration.
type metrics struct {
	registry        *prometheus.Registry
	connectAttempts *prometheus.CounterVec
	statusChanges   *prometheus.CounterVec
	pingSuccesses   *prometheus.CounterVec
	pingFailures    *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_bridge_upstream_connect_attempts_total",
			Help: "Number of connection attempts made to an upstream.",
		}, []string{"upstream"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_bridge_upstream_status_changes_total",
			Help: "Number of connection-status transitions per upstream.",
		}, []string{"upstream", "status"}),
		pingSuccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_bridge_upstream_ping_success_total",
			Help: "Number of successful health pings per upstream.",
		}, []string{"upstream"}),
		pingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_bridge_upstream_ping_failure_total",
			Help: "Number of failed health pings per upstream.",
		}, []string{"upstream"}),
	}
	reg.MustRegister(m.connectAttempts, m.statusChanges, m.pingSuccesses, m.pingFailures)
	return m
}

// Registry exposes the Prometheus registry so the bridge's HTTP/metrics
// surface (if enabled) can serve it.
func (m *Manager) Registry() *prometheus.Registry { return m.metrics.registry }

func (m *metrics) connectAttempt(upstream string) {
	m.connectAttempts.WithLabelValues(upstream).Inc()
}

func (m *metrics) statusChange(upstream string, status client.Status) {
	m.statusChanges.WithLabelValues(upstream, string(status)).Inc()
}

func (m *metrics) pingSuccess(upstream string) {
	m.pingSuccesses.WithLabelValues(upstream).Inc()
}

func (m *metrics) pingFailure(upstream string) {
	m.pingFailures.WithLabelValues(upstream).Inc()
}
