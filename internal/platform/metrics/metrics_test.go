package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var c *ConnectionMetrics
	var d *DeliveryMetrics
	var b *BridgeMetrics
	var w *WebhookMetrics

	c.Connected()
	c.Disconnected()
	c.Inbound("ack")
	d.Outcome(OutcomeDelivered)
	d.SendFailed()
	b.SetState("connected", "connected")
	b.Attempt()
	b.Frame("heartbeat")
	b.Acked("delivered")
	w.Result("delivered")
}

func TestConnectionMetrics(t *testing.T) {
	reg := NewRegistry()
	m := NewConnectionMetrics(reg)

	m.Connected()
	m.Connected()
	m.Disconnected()

	if got := testutil.ToFloat64(m.ActiveConnections); got != 1 {
		t.Errorf("expected 1 active connection, got %v", got)
	}
	if got := testutil.ToFloat64(m.Opened); got != 2 {
		t.Errorf("expected 2 opened, got %v", got)
	}
}

func TestBridgeMetrics_SetState(t *testing.T) {
	reg := NewRegistry()
	m := NewBridgeMetrics(reg)

	m.SetState("backoff", "connecting", "connected", "backoff")

	if got := testutil.ToFloat64(m.State.WithLabelValues("backoff")); got != 1 {
		t.Errorf("expected backoff=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.State.WithLabelValues("connected")); got != 0 {
		t.Errorf("expected connected=0, got %v", got)
	}
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	reg := NewRegistry()
	set := NewSet(reg)
	set.Delivery.Outcome(OutcomeCached)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `doctor_relay_delivery_messages_total{outcome="cached"} 1`) {
		t.Errorf("expected delivery counter in output, got:\n%s", rec.Body.String())
	}
}
