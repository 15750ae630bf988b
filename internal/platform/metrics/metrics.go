// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "doctor_relay"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Set groups every subsystem's metrics so they can be handed to the runtime
// in one piece.
type Set struct {
	Connections *ConnectionMetrics
	Delivery    *DeliveryMetrics
	Bridge      *BridgeMetrics
	Webhook     *WebhookMetrics
}

// NewSet creates and registers all relay metrics on reg.
func NewSet(reg prometheus.Registerer) *Set {
	return &Set{
		Connections: NewConnectionMetrics(reg),
		Delivery:    NewDeliveryMetrics(reg),
		Bridge:      NewBridgeMetrics(reg),
		Webhook:     NewWebhookMetrics(reg),
	}
}
