// Package prometheus is the concrete metrics.EngineMetrics implementation,
// registered into pkg/metrics through RegisterEngineMetricsConstructor so
// internal/levin and pkg/metrics stay free of a direct prometheus
// dependency.
package prometheus

import (
	"github.com/levinproto/levin/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterEngineMetricsConstructor(New)
}

type engineMetrics struct {
	connections       *prometheus.GaugeVec
	invocationsActive prometheus.Gauge
	invocationsTotal  *prometheus.CounterVec
	timeouts          prometheus.Counter
	evictions         prometheus.Counter
	parseFailures     prometheus.Counter
}

// New constructs a prometheus-backed metrics.EngineMetrics, registering its
// collectors against the default registry.
func New() metrics.EngineMetrics {
	return &engineMetrics{
		connections: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "levin_connections",
			Help: "Live connections tracked by the connection table, by direction",
		}, []string{"direction"}),
		invocationsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "levin_invocations_in_flight",
			Help: "Outbound invocations awaiting a response",
		}),
		invocationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levin_invocations_total",
			Help: "Completed invocations by terminal status",
		}, []string{"status"}),
		timeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "levin_invocation_timeouts_total",
			Help: "Invocations that hit their deadline without a response",
		}),
		evictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "levin_connection_evictions_total",
			Help: "Connections closed by EvictRandom under connection pressure",
		}),
		parseFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "levin_frame_parse_failures_total",
			Help: "Fatal stream-framing errors that closed a connection",
		}),
	}
}

func direction(incoming bool) string {
	if incoming {
		return "incoming"
	}
	return "outgoing"
}

func (m *engineMetrics) ConnectionOpened(incoming bool) {
	m.connections.WithLabelValues(direction(incoming)).Inc()
}

func (m *engineMetrics) ConnectionClosed(incoming bool) {
	m.connections.WithLabelValues(direction(incoming)).Dec()
}

func (m *engineMetrics) InvocationStarted() {
	m.invocationsActive.Inc()
}

func (m *engineMetrics) InvocationFinished(status int32) {
	m.invocationsActive.Dec()
	m.invocationsTotal.WithLabelValues(statusLabel(status)).Inc()
}

func (m *engineMetrics) InvocationTimedOut() {
	m.timeouts.Inc()
}

func (m *engineMetrics) ConnectionEvicted() {
	m.evictions.Inc()
}

func (m *engineMetrics) FrameParseFailed() {
	m.parseFailures.Inc()
}

func statusLabel(status int32) string {
	switch status {
	case 0:
		return "ok"
	case -4:
		return "timed_out"
	case -3:
		return "destroyed"
	default:
		return "error"
	}
}
