package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medflow/doctor-relay/internal/delivery"
	"github.com/medflow/doctor-relay/internal/platform/metrics"
)

const (
	maxInboundFrame     = 64 * 1024
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
)

// Inbound client events.
const (
	EventAck  = "ack"
	EventPing = "ping"
)

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Browser sessions come from the doctor UI on another origin.
	},
}

// Relay is the delivery side the handler talks to. Attach must call register
// exactly once and replay cached messages to the connection it returns.
type Relay interface {
	Attach(ctx context.Context, recipientID string, register func() (delivery.Connection, error)) (int, error)
	Acknowledge(ctx context.Context, messageID, recipientID string)
}

// TokenVerifier checks a doctor access token and returns its subject.
type TokenVerifier interface {
	VerifyDoctor(token string) (subject string, err error)
}

// ClientMessage is an inbound frame from a doctor client.
type ClientMessage struct {
	Event     string `json:"event"`
	MessageID string `json:"message_id,omitempty"`
}

type pongFrame struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler handles HTTP-to-WebSocket upgrades for doctor sessions.
type Handler struct {
	registry *Registry
	relay    Relay
	verifier TokenVerifier
	logger   zerolog.Logger
	metrics  *metrics.ConnectionMetrics

	pingInterval time.Duration
	pongWait     time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithTokenVerifier requires a valid doctor token whose subject matches the path.
func WithTokenVerifier(v TokenVerifier) HandlerOption {
	return func(h *Handler) {
		h.verifier = v
	}
}

// WithHandlerMetrics counts inbound frames on m.
func WithHandlerMetrics(m *metrics.ConnectionMetrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithKeepalive pings every interval and drops a socket that has sent
// nothing, pongs included, for wait.
func WithKeepalive(interval, wait time.Duration) HandlerOption {
	return func(h *Handler) {
		if interval > 0 && wait > 0 {
			h.pingInterval = interval
			h.pongWait = wait
		}
	}
}

// NewHandler creates a handler bound to the given registry and relay.
func NewHandler(registry *Registry, relay Relay, logger zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry: registry,
		relay:    relay,
		logger:   logger.With().Str("component", "ws_handler").Logger(),

		pingInterval: defaultPingInterval,
		pongWait:     defaultPongWait,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the doctor socket endpoint on the provided Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws/opd/:doctor_id", h.HandleConnect)
}

// HandleConnect upgrades the request, validates the doctor id, registers the
// connection, replays cached messages and starts the read loop.
func (h *Handler) HandleConnect(c echo.Context) error {
	doctorID := c.Param("doctor_id")
	token := requestToken(c.Request())

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	if _, err := uuid.Parse(doctorID); err != nil {
		h.logger.Warn().Str("doctor_id", doctorID).Msg("rejecting socket: malformed doctor id")
		closeWithPolicyViolation(ws, "invalid doctor id")
		return nil
	}
	if h.verifier != nil {
		subject, err := h.verifier.VerifyDoctor(token)
		if err != nil || subject != doctorID {
			h.logger.Warn().Err(err).Str("doctor_id", doctorID).Msg("rejecting socket: unauthorized")
			closeWithPolicyViolation(ws, "unauthorized")
			return nil
		}
	}

	ws.SetReadLimit(maxInboundFrame)
	h.extendReadDeadline(ws)
	ws.SetPongHandler(func(string) error {
		h.extendReadDeadline(ws)
		return nil
	})
	ctx := context.WithoutCancel(c.Request().Context())

	var conn *Connection
	_, err = h.relay.Attach(ctx, doctorID, func() (delivery.Connection, error) {
		var err error
		conn, err = h.registry.Connect(ws, doctorID)
		return conn, err
	})
	if err != nil {
		if conn == nil {
			h.logger.Warn().Err(err).Str("doctor_id", doctorID).Msg("connection confirmation failed")
		} else {
			h.logger.Warn().Err(err).Str("connection_id", conn.ID()).Msg("replay send failed")
			h.registry.Disconnect(conn.ID())
		}
		return nil
	}

	go h.pingLoop(conn)
	go h.readPump(ctx, conn, ws)
	return nil
}

func (h *Handler) extendReadDeadline(ws Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(h.pongWait))
}

// pingLoop keeps the socket alive until the connection is removed. A failed
// ping drops the connection.
func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				h.logger.Debug().Err(err).Str("connection_id", conn.ID()).Msg("ping failed")
				h.registry.Disconnect(conn.ID())
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// readPump reads client frames until the socket fails, then unregisters.
func (h *Handler) readPump(ctx context.Context, conn *Connection, ws Conn) {
	defer h.registry.Disconnect(conn.ID())

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseNormalClosure, gorillawebsocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("connection_id", conn.ID()).Msg("socket read ended")
			}
			return
		}
		h.extendReadDeadline(ws)

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug().Err(err).Str("connection_id", conn.ID()).Msg("ignoring malformed client frame")
			continue
		}
		h.metrics.Inbound(msg.Event)

		switch msg.Event {
		case EventAck:
			if msg.MessageID != "" {
				h.relay.Acknowledge(ctx, msg.MessageID, conn.RecipientID())
			}
		case EventPing:
			pong, _ := json.Marshal(pongFrame{Event: delivery.EventPong, Timestamp: time.Now().UTC()})
			if err := conn.Send(pong); err != nil {
				return
			}
		default:
			h.logger.Debug().Str("event", msg.Event).Str("connection_id", conn.ID()).Msg("unhandled client event")
		}
	}
}

func closeWithPolicyViolation(ws *gorillawebsocket.Conn, reason string) {
	msg := gorillawebsocket.FormatCloseMessage(gorillawebsocket.ClosePolicyViolation, reason)
	_ = ws.WriteControl(gorillawebsocket.CloseMessage, msg, time.Now().Add(time.Second))
	ws.Close()
}

// requestToken reads a bearer token from the query string or Authorization header.
// Browsers cannot set headers on socket upgrades, so the query wins.
func requestToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return header[7:]
	}
	return ""
}
