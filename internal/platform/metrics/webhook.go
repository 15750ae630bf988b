package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebhookMetrics tracks fallback webhook traffic.
type WebhookMetrics struct {
	Requests *prometheus.CounterVec
}

// NewWebhookMetrics creates and registers webhook metrics on the given registry.
func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Fallback webhook requests, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.Requests)
	return m
}

func (m *WebhookMetrics) Result(result string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(result).Inc()
}
