package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/medflow/doctor-relay/internal/delivery"
)

type deliverCall struct {
	recipientID string
	messageID   string
	msg         delivery.Message
}

type fakeDeliverer struct {
	mu      sync.Mutex
	result  bool
	panicOn int
	calls   []deliverCall
}

func (f *fakeDeliverer) Deliver(_ context.Context, recipientID string, msg delivery.Message, messageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deliverCall{recipientID: recipientID, messageID: messageID, msg: msg})
	if f.panicOn == len(f.calls) {
		panic("boom")
	}
	return f.result
}

func (f *fakeDeliverer) snapshot() []deliverCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deliverCall(nil), f.calls...)
}

type upstream struct {
	server  *httptest.Server
	conns   chan *websocket.Conn
	queries chan url.Values
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{
		conns:   make(chan *websocket.Conn, 8),
		queries: make(chan url.Values, 8),
	}
	upgrader := websocket.Upgrader{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.queries <- r.URL.Query()
		u.conns <- c
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *upstream) url() string {
	return "ws" + strings.TrimPrefix(u.server.URL, "http") + "/ws/doctor-service"
}

func (u *upstream) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-u.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not connect")
		return nil
	}
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var out map[string]any
	if err := c.ReadJSON(&out); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return out
}

func startBridge(t *testing.T, u *upstream, d Deliverer, cfg Config, opts ...Option) *Bridge {
	t.Helper()
	cfg.URL = u.url()
	if cfg.Token == "" {
		cfg.Token = "svc-token"
	}
	opts = append([]Option{WithBackoff(NewBackoff(10*time.Millisecond, 50*time.Millisecond, 1.5, 0.2))}, opts...)
	b := New(cfg, d, zerolog.New(os.Stderr), opts...)
	if !b.Start(context.Background()) {
		t.Fatal("expected Start to launch the loop")
	}
	t.Cleanup(b.Stop)
	return b
}

// connectAndAuth accepts the bridge connection and consumes the authenticate frame.
func connectAndAuth(t *testing.T, u *upstream) *websocket.Conn {
	t.Helper()
	c := u.accept(t)
	if auth := readJSON(t, c); auth["type"] != "authenticate" {
		t.Fatalf("expected authenticate frame first, got %v", auth)
	}
	return c
}

func TestBridge_AuthenticatesWithToken(t *testing.T) {
	u := newUpstream(t)
	startBridge(t, u, &fakeDeliverer{}, Config{ServiceName: "opd-doctor"})

	c := u.accept(t)
	q := <-u.queries
	if q.Get("token") != "svc-token" {
		t.Errorf("expected token in query, got %v", q)
	}

	auth := readJSON(t, c)
	if auth["type"] != "authenticate" || auth["service"] != "opd-doctor" {
		t.Errorf("unexpected authenticate frame: %v", auth)
	}
	if _, ok := auth["timestamp"].(string); !ok {
		t.Errorf("authenticate frame should carry a timestamp: %v", auth)
	}
}

func TestBridge_AssignmentDeliveredAndAcked(t *testing.T) {
	u := newUpstream(t)
	d := &fakeDeliverer{result: true}
	b := startBridge(t, u, d, Config{})
	c := connectAndAuth(t, u)

	c.WriteJSON(map[string]any{
		"type": "patient_assignment",
		"data": map[string]any{"doctor_id": "doc-1", "patient_id": "p-1", "assignment_id": "a-1"},
	})

	ack := readJSON(t, c)
	if ack["type"] != "assignment_ack" || ack["assignment_id"] != "a-1" || ack["doctor_id"] != "doc-1" {
		t.Fatalf("unexpected ack: %v", ack)
	}
	if ack["status"] != "delivered" {
		t.Errorf("expected delivered status, got %v", ack["status"])
	}

	calls := d.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(calls))
	}
	if calls[0].recipientID != "doc-1" || calls[0].messageID != "a-1" {
		t.Errorf("unexpected delivery: %+v", calls[0])
	}
	if calls[0].msg.EventType != delivery.EventPatientAssigned || calls[0].msg.Payload["patient_id"] != "p-1" {
		t.Errorf("unexpected message: %+v", calls[0].msg)
	}
	if b.Status().State != StateConnected {
		t.Errorf("expected connected state, got %s", b.Status().State)
	}
}

func TestBridge_PendingAckWhenRecipientOffline(t *testing.T) {
	u := newUpstream(t)
	startBridge(t, u, &fakeDeliverer{result: false}, Config{})
	c := connectAndAuth(t, u)

	c.WriteJSON(map[string]any{
		"type":          "patient_assignment",
		"doctor_id":     "doc-1",
		"patient_id":    "p-1",
		"assignment_id": "a-2",
	})

	if ack := readJSON(t, c); ack["status"] != "pending" {
		t.Errorf("expected pending status, got %v", ack)
	}
}

func TestBridge_HeartbeatReply(t *testing.T) {
	u := newUpstream(t)
	startBridge(t, u, &fakeDeliverer{}, Config{})
	c := connectAndAuth(t, u)

	c.WriteJSON(map[string]any{"type": "heartbeat"})
	if reply := readJSON(t, c); reply["type"] != "heartbeat_ack" {
		t.Errorf("expected heartbeat_ack, got %v", reply)
	}
}

func TestBridge_BadInputKeepsLinkUp(t *testing.T) {
	u := newUpstream(t)
	d := &fakeDeliverer{}
	startBridge(t, u, d, Config{})
	c := connectAndAuth(t, u)

	c.WriteMessage(websocket.TextMessage, []byte("not json"))
	c.WriteJSON(map[string]any{"type": "patient_assignment", "data": map[string]any{"patient_id": "p-1"}})
	c.WriteJSON(map[string]any{"type": "assignment_status_update", "assignment_id": "a-1", "status": "seen"})
	c.WriteJSON(map[string]any{"type": "something_new"})
	c.WriteJSON(map[string]any{"type": "heartbeat"})

	if reply := readJSON(t, c); reply["type"] != "heartbeat_ack" {
		t.Fatalf("expected only a heartbeat_ack, got %v", reply)
	}
	if n := len(d.snapshot()); n != 0 {
		t.Errorf("malformed assignment must not be delivered, got %d calls", n)
	}
}

func TestBridge_PanicInHandlerRecovered(t *testing.T) {
	u := newUpstream(t)
	d := &fakeDeliverer{panicOn: 1}
	startBridge(t, u, d, Config{})
	c := connectAndAuth(t, u)

	c.WriteJSON(map[string]any{"type": "patient_assignment", "doctor_id": "doc-1", "patient_id": "p-1", "assignment_id": "a-1"})
	c.WriteJSON(map[string]any{"type": "heartbeat"})

	if reply := readJSON(t, c); reply["type"] != "heartbeat_ack" {
		t.Errorf("link should survive a handler panic, got %v", reply)
	}
}

func TestBridge_QuietLinkSendsHeartbeat(t *testing.T) {
	u := newUpstream(t)
	startBridge(t, u, &fakeDeliverer{}, Config{ReceiveTimeout: 50 * time.Millisecond})
	c := connectAndAuth(t, u)

	if hb := readJSON(t, c); hb["type"] != "heartbeat" {
		t.Errorf("expected proactive heartbeat, got %v", hb)
	}
	if hb := readJSON(t, c); hb["type"] != "heartbeat" {
		t.Errorf("expected heartbeats to continue, got %v", hb)
	}
}

func TestBridge_ReconnectsAfterDrop(t *testing.T) {
	u := newUpstream(t)
	b := startBridge(t, u, &fakeDeliverer{}, Config{})

	first := connectAndAuth(t, u)
	first.Close()

	second := connectAndAuth(t, u)
	second.WriteJSON(map[string]any{"type": "heartbeat"})
	if reply := readJSON(t, second); reply["type"] != "heartbeat_ack" {
		t.Errorf("expected reconnected link to work, got %v", reply)
	}
	if s := b.Status(); s.State != StateConnected || s.Attempts != 0 {
		t.Errorf("expected connected with attempts reset, got %+v", s)
	}
}

func TestBridge_BackoffWhileUnreachable(t *testing.T) {
	u := newUpstream(t)
	u.server.Close()

	b := New(Config{URL: u.url(), DialTimeout: 200 * time.Millisecond}, &fakeDeliverer{}, zerolog.New(os.Stderr),
		WithBackoff(NewBackoff(10*time.Millisecond, 20*time.Millisecond, 1.5, 0.2)))
	b.Start(context.Background())
	defer b.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s := b.Status(); s.Attempts >= 3 {
			if s.LastError == "" || s.LastAttempt == nil {
				t.Errorf("expected error and attempt time recorded, got %+v", s)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected repeated attempts, got %+v", b.Status())
}

func TestBridge_StartIsSingleton(t *testing.T) {
	u := newUpstream(t)
	b := startBridge(t, u, &fakeDeliverer{}, Config{})
	connectAndAuth(t, u)

	if b.Start(context.Background()) {
		t.Error("second Start should be a no-op")
	}

	b.Stop()
	if s := b.Status(); s.State != StateStopped || s.Running {
		t.Errorf("expected stopped, got %+v", s)
	}

	if !b.Start(context.Background()) {
		t.Error("Start after Stop should relaunch")
	}
	connectAndAuth(t, u)
}

func TestBridge_StopBeforeStart(t *testing.T) {
	b := New(Config{URL: "ws://127.0.0.1:1"}, &fakeDeliverer{}, zerolog.New(os.Stderr))
	b.Stop()
	if b.Status().State != StateIdle {
		t.Errorf("expected idle, got %s", b.Status().State)
	}
}

type tagEnricher struct{}

func (tagEnricher) Enrich(_ context.Context, p map[string]any) map[string]any {
	out := map[string]any{"patient": map[string]any{"name": "Asha"}}
	for k, v := range p {
		out[k] = v
	}
	return out
}

func TestBridge_EnrichesPayload(t *testing.T) {
	u := newUpstream(t)
	d := &fakeDeliverer{result: true}
	startBridge(t, u, d, Config{}, WithEnricher(tagEnricher{}))
	c := connectAndAuth(t, u)

	c.WriteJSON(map[string]any{"type": "patient_assignment", "doctor_id": "doc-1", "patient_id": "p-1", "assignment_id": "a-1"})
	readJSON(t, c)

	calls := d.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(calls))
	}
	data, _ := json.Marshal(calls[0].msg.Payload)
	if !strings.Contains(string(data), `"name":"Asha"`) {
		t.Errorf("expected enriched payload, got %s", data)
	}
}

func TestTargetURL_MergesToken(t *testing.T) {
	b := New(Config{URL: "wss://cardroom.internal/ws/doctor?region=north", Token: "a b"}, &fakeDeliverer{}, zerolog.New(os.Stderr))
	got, err := b.targetURL()
	if err != nil {
		t.Fatalf("targetURL() error: %v", err)
	}
	u, _ := url.Parse(got)
	if u.Query().Get("region") != "north" || u.Query().Get("token") != "a b" {
		t.Errorf("unexpected url %s", got)
	}
}
