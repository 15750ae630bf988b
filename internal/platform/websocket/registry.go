// Package websocket manages live doctor sockets: the connection registry the
// broadcaster fans out over, and the Echo handler that accepts new sessions.
package websocket

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/medflow/doctor-relay/internal/delivery"
	"github.com/medflow/doctor-relay/internal/platform/metrics"
)

const defaultWriteTimeout = 10 * time.Second

// ErrConnectionClosed is returned by Send after the connection was removed.
var ErrConnectionClosed = errors.New("websocket: connection closed")

// Conn abstracts a WebSocket connection for testability. *gorilla/websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one live doctor socket. Writes are serialised; gorilla
// connections support a single concurrent writer.
type Connection struct {
	id           string
	recipientID  string
	conn         Conn
	writeTimeout time.Duration
	connectedAt  time.Time

	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

func (c *Connection) ID() string          { return c.id }
func (c *Connection) RecipientID() string { return c.recipientID }

// Done is closed once the connection has been removed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Send writes one text frame, bounded by the registry's write timeout.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(gorillawebsocket.TextMessage, data)
}

// Ping writes a ping control frame under the same writer lock as Send.
func (c *Connection) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(gorillawebsocket.PingMessage, nil)
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()
		close(c.done)
	})
}

// connectedFrame confirms a new session to the client.
type connectedFrame struct {
	Event             string    `json:"event"`
	Timestamp         time.Time `json:"timestamp"`
	DoctorID          string    `json:"doctor_id"`
	ConnectionID      string    `json:"connection_id"`
	ActiveConnections int       `json:"active_connections"`
}

// Registry tracks live connections per recipient. All operations are
// thread-safe via sync.RWMutex; no lock is held while writing to a socket.
type Registry struct {
	mu          sync.RWMutex
	byRecipient map[string]map[string]*Connection // recipient -> connection id -> conn
	byID        map[string]*Connection

	logger       zerolog.Logger
	metrics      *metrics.ConnectionMetrics
	writeTimeout time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryMetrics records connection counts on m.
func WithRegistryMetrics(m *metrics.ConnectionMetrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithWriteTimeout bounds every socket write.
func WithWriteTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger zerolog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		byRecipient:  make(map[string]map[string]*Connection),
		byID:         make(map[string]*Connection),
		logger:       logger.With().Str("component", "registry").Logger(),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers conn under recipientID and sends the connection
// confirmation. If the confirmation cannot be written the connection is
// removed again and the error returned.
func (r *Registry) Connect(conn Conn, recipientID string) (*Connection, error) {
	c := &Connection{
		id:           uuid.NewString(),
		recipientID:  recipientID,
		conn:         conn,
		writeTimeout: r.writeTimeout,
		connectedAt:  time.Now().UTC(),
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	set := r.byRecipient[recipientID]
	if set == nil {
		set = make(map[string]*Connection)
		r.byRecipient[recipientID] = set
	}
	set[c.id] = c
	r.byID[c.id] = c
	active := len(set)
	r.mu.Unlock()

	r.metrics.Connected()
	r.logger.Info().
		Str("recipient_id", recipientID).
		Str("connection_id", c.id).
		Int("active_connections", active).
		Msg("doctor connected")

	data, err := json.Marshal(connectedFrame{
		Event:             delivery.EventConnected,
		Timestamp:         c.connectedAt,
		DoctorID:          recipientID,
		ConnectionID:      c.id,
		ActiveConnections: active,
	})
	if err == nil {
		err = c.Send(data)
	}
	if err != nil {
		r.Disconnect(c.id)
		return nil, err
	}
	return c, nil
}

// Disconnect removes a connection and closes its socket. Unknown or already
// removed ids are ignored.
func (r *Registry) Disconnect(connectionID string) {
	r.mu.Lock()
	c, ok := r.byID[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, connectionID)
	if set, ok := r.byRecipient[c.recipientID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.byRecipient, c.recipientID)
		}
	}
	r.mu.Unlock()

	c.close()
	r.metrics.Disconnected()
	r.logger.Info().
		Str("recipient_id", c.recipientID).
		Str("connection_id", connectionID).
		Msg("doctor disconnected")
}

// ConnectionsFor returns a snapshot of the recipient's live connections.
func (r *Registry) ConnectionsFor(recipientID string) []delivery.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byRecipient[recipientID]
	out := make([]delivery.Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections for recipientID.
func (r *Registry) Count(recipientID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRecipient[recipientID])
}

// Total returns the number of live connections across all recipients.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Recipients returns the ids of recipients with at least one live connection, sorted.
func (r *Registry) Recipients() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byRecipient))
	for id := range r.byRecipient {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}
