package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics collects connection engine counters: connection lifecycle,
// dispatch handoffs, traffic volume, and terminal errors.
//
// A nil *EngineMetrics is valid and records nothing, so callers never need
// to branch on whether metrics are enabled.
type EngineMetrics struct {
	connectionsActive prometheus.Gauge
	acceptsTotal      prometheus.Counter
	dispatchesTotal   prometheus.Counter
	errorsTotal       prometheus.Counter
	bytesRead         prometheus.Counter
	bytesWritten      prometheus.Counter
}

// NewEngineMetrics creates a Prometheus-backed EngineMetrics registered on
// the global registry. Returns nil when metrics are disabled.
func NewEngineMetrics() *EngineMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &EngineMetrics{
		connectionsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "asyncnet_connections_active",
			Help: "Number of connections currently owned by I/O threads",
		}),
		acceptsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "asyncnet_accepts_total",
			Help: "Total sockets accepted by the dispatch thread",
		}),
		dispatchesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "asyncnet_dispatches_total",
			Help: "Total connection handoffs from the dispatch thread to the I/O pool",
		}),
		errorsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "asyncnet_connection_errors_total",
			Help: "Total connections terminated by an error",
		}),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "asyncnet_bytes_read_total",
			Help: "Total bytes read from sockets",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "asyncnet_bytes_written_total",
			Help: "Total bytes written to sockets",
		}),
	}
}

// ConnOpened records a connection entering the active set.
func (m *EngineMetrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

// ConnClosed records a connection leaving the active set.
func (m *EngineMetrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// RecordAccept counts one accepted socket.
func (m *EngineMetrics) RecordAccept() {
	if m == nil {
		return
	}
	m.acceptsTotal.Inc()
}

// RecordDispatch counts one handoff to the I/O pool.
func (m *EngineMetrics) RecordDispatch() {
	if m == nil {
		return
	}
	m.dispatchesTotal.Inc()
}

// RecordError counts one error-terminated connection.
func (m *EngineMetrics) RecordError() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// AddBytesRead accumulates inbound traffic volume.
func (m *EngineMetrics) AddBytesRead(n int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(n))
}

// AddBytesWritten accumulates outbound traffic volume.
func (m *EngineMetrics) AddBytesWritten(n int) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
}
