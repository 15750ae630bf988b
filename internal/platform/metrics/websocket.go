package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConnectionMetrics tracks doctor socket sessions.
type ConnectionMetrics struct {
	ActiveConnections prometheus.Gauge
	Opened            prometheus.Counter
	Closed            prometheus.Counter
	InboundFrames     *prometheus.CounterVec
}

// NewConnectionMetrics creates and registers connection metrics on the given registry.
func NewConnectionMetrics(reg prometheus.Registerer) *ConnectionMetrics {
	m := &ConnectionMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of live doctor connections.",
		}),
		Opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_opened_total",
			Help:      "Total number of doctor connections accepted.",
		}),
		Closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_closed_total",
			Help:      "Total number of doctor connections removed.",
		}),
		InboundFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "inbound_frames_total",
			Help:      "Frames received from doctor clients, by event.",
		}, []string{"event"}),
	}

	reg.MustRegister(m.ActiveConnections, m.Opened, m.Closed, m.InboundFrames)
	return m
}

func (m *ConnectionMetrics) Connected() {
	if m == nil {
		return
	}
	m.Opened.Inc()
	m.ActiveConnections.Inc()
}

func (m *ConnectionMetrics) Disconnected() {
	if m == nil {
		return
	}
	m.Closed.Inc()
	m.ActiveConnections.Dec()
}

func (m *ConnectionMetrics) Inbound(event string) {
	if m == nil {
		return
	}
	m.InboundFrames.WithLabelValues(event).Inc()
}
