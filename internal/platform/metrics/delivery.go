package metrics

import "github.com/prometheus/client_golang/prometheus"

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeCached    = "cached"
	OutcomeDuplicate = "duplicate"
)

// DeliveryMetrics tracks broadcaster decisions.
type DeliveryMetrics struct {
	Outcomes    *prometheus.CounterVec
	FailedSends prometheus.Counter
}

// NewDeliveryMetrics creates and registers delivery metrics on the given registry.
func NewDeliveryMetrics(reg prometheus.Registerer) *DeliveryMetrics {
	m := &DeliveryMetrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "messages_total",
			Help:      "Messages handed to the broadcaster, by outcome.",
		}, []string{"outcome"}),
		FailedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "failed_sends_total",
			Help:      "Per-connection sends that failed and evicted the connection.",
		}),
	}

	reg.MustRegister(m.Outcomes, m.FailedSends)
	return m
}

func (m *DeliveryMetrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(outcome).Inc()
}

func (m *DeliveryMetrics) SendFailed() {
	if m == nil {
		return
	}
	m.FailedSends.Inc()
}
