package metrics

import "github.com/prometheus/client_golang/prometheus"

// BridgeMetrics tracks the upstream link.
type BridgeMetrics struct {
	State            *prometheus.GaugeVec
	ConnectAttempts  prometheus.Counter
	Frames           *prometheus.CounterVec
	AssignmentsAcked *prometheus.CounterVec
}

// NewBridgeMetrics creates and registers upstream link metrics on the given registry.
func NewBridgeMetrics(reg prometheus.Registerer) *BridgeMetrics {
	m := &BridgeMetrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "state",
			Help:      "1 for the current upstream link state, 0 otherwise.",
		}, []string{"state"}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "connect_attempts_total",
			Help:      "Total number of upstream connection attempts.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "frames_total",
			Help:      "Frames received from upstream, by type.",
		}, []string{"type"}),
		AssignmentsAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "assignment_acks_total",
			Help:      "Assignment acknowledgements sent upstream, by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(m.State, m.ConnectAttempts, m.Frames, m.AssignmentsAcked)
	return m
}

// SetState marks current as the active state among states.
func (m *BridgeMetrics) SetState(current string, states ...string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

func (m *BridgeMetrics) Attempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

func (m *BridgeMetrics) Frame(frameType string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(frameType).Inc()
}

func (m *BridgeMetrics) Acked(status string) {
	if m == nil {
		return
	}
	m.AssignmentsAcked.WithLabelValues(status).Inc()
}
