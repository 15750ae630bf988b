// Package bridge maintains the outbound socket to the origin (cardroom)
// service and turns its assignment events into deliveries.
package bridge

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/medflow/doctor-relay/internal/delivery"
	"github.com/medflow/doctor-relay/internal/platform/metrics"
)

// State is the upstream link state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateBackoff    State = "backoff"
	StateStopped    State = "stopped"
)

var allStates = []string{
	string(StateIdle), string(StateConnecting), string(StateConnected),
	string(StateBackoff), string(StateStopped),
}

const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultReceiveTimeout = 120 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultServiceName    = "doctor-service"
)

type Config struct {
	URL            string
	Token          string
	ServiceName    string
	DialTimeout    time.Duration
	ReceiveTimeout time.Duration
	WriteTimeout   time.Duration
}

// Deliverer is implemented by delivery.Broadcaster.
type Deliverer interface {
	Deliver(ctx context.Context, recipientID string, msg delivery.Message, messageID string) bool
}

// Enricher is implemented by patient.Enricher.
type Enricher interface {
	Enrich(ctx context.Context, payload map[string]any) map[string]any
}

// Status is a point-in-time view of the link.
type Status struct {
	State          State      `json:"state"`
	Running        bool       `json:"running"`
	URL            string     `json:"url"`
	Attempts       int        `json:"attempts"`
	BackoffSeconds float64    `json:"backoff_seconds"`
	LastAttempt    *time.Time `json:"last_attempt,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// Option configures a Bridge.
type Option func(*Bridge)

func WithClock(clock clockwork.Clock) Option {
	return func(b *Bridge) { b.clock = clock }
}

func WithBackoff(backoff *Backoff) Option {
	return func(b *Bridge) { b.backoff = backoff }
}

func WithEnricher(e Enricher) Option {
	return func(b *Bridge) { b.enricher = e }
}

func WithMetrics(m *metrics.BridgeMetrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(b *Bridge) { b.dialer = d }
}

// Bridge owns one upstream connection at a time and reconnects with backoff
// until stopped. Events arriving while the link is down are not buffered
// here; the origin falls back to the webhook.
type Bridge struct {
	cfg       Config
	deliverer Deliverer
	enricher  Enricher
	logger    zerolog.Logger
	clock     clockwork.Clock
	dialer    *websocket.Dialer
	backoff   *Backoff
	metrics   *metrics.BridgeMetrics

	mu          sync.Mutex
	state       State
	attempts    int
	lastAttempt time.Time
	lastErr     string
	delay       time.Duration
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a Bridge in the idle state.
func New(cfg Config, deliverer Deliverer, logger zerolog.Logger, opts ...Option) *Bridge {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	b := &Bridge{
		cfg:       cfg,
		deliverer: deliverer,
		logger:    logger.With().Str("component", "upstream_bridge").Logger(),
		clock:     clockwork.NewRealClock(),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.backoff == nil {
		b.backoff = NewBackoff(DefaultInitialDelay, DefaultMaxDelay, DefaultFactor, DefaultJitter)
	}
	if b.dialer == nil {
		b.dialer = &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	}
	return b
}

// Start launches the connection loop. It returns false without doing
// anything if the loop is already running.
func (b *Bridge) Start(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.running = true
	b.cancel = cancel
	b.done = done

	go func() {
		defer close(done)
		b.run(runCtx)
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()
	return true
}

// Stop cancels the loop, closing any live connection, and waits for it to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Status returns a snapshot of the link.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Status{
		State:          b.state,
		Running:        b.running,
		URL:            b.cfg.URL,
		Attempts:       b.attempts,
		BackoffSeconds: b.delay.Seconds(),
		LastError:      b.lastErr,
	}
	if !b.lastAttempt.IsZero() {
		at := b.lastAttempt
		s.LastAttempt = &at
	}
	return s
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	b.metrics.SetState(string(s), allStates...)
}

func (b *Bridge) run(ctx context.Context) {
	defer b.setState(StateStopped)

	for {
		err := b.session(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := b.backoff.Next()
		b.mu.Lock()
		b.state = StateBackoff
		b.delay = delay
		if err != nil {
			b.lastErr = err.Error()
		}
		attempts := b.attempts
		b.mu.Unlock()
		b.metrics.SetState(string(StateBackoff), allStates...)

		b.logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Msg("upstream link down")

		select {
		case <-ctx.Done():
			return
		case <-b.clock.After(delay):
		}
	}
}

// session runs one connect-authenticate-receive cycle and reports why it ended.
func (b *Bridge) session(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("upstream session panicked")
			err = fmt.Errorf("upstream session panic: %v", r)
		}
	}()

	b.mu.Lock()
	b.state = StateConnecting
	b.attempts++
	b.lastAttempt = b.clock.Now()
	b.mu.Unlock()
	b.metrics.SetState(string(StateConnecting), allStates...)
	b.metrics.Attempt()

	target, err := b.targetURL()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()
	conn, _, err := b.dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	b.backoff.Reset()
	b.mu.Lock()
	b.state = StateConnected
	b.attempts = 0
	b.delay = 0
	b.lastErr = ""
	b.mu.Unlock()
	b.metrics.SetState(string(StateConnected), allStates...)
	b.logger.Info().Str("url", b.cfg.URL).Msg("upstream link connected")

	if err := b.write(conn, authenticateFrame{
		Type:      FrameAuthenticate,
		Service:   b.cfg.ServiceName,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	return b.receive(ctx, conn)
}

// receive dispatches frames until the link fails. Silence longer than the
// receive timeout triggers a heartbeat instead of a reconnect.
func (b *Bridge) receive(ctx context.Context, conn *websocket.Conn) error {
	frames := make(chan []byte)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			select {
			case frames <- data:
			case <-done:
				return
			}
		}
	}()

	idle := b.clock.NewTimer(b.cfg.ReceiveTimeout)
	defer idle.Stop()

	for {
		select {
		case data := <-frames:
			if !idle.Stop() {
				select {
				case <-idle.Chan():
				default:
				}
			}
			idle.Reset(b.cfg.ReceiveTimeout)
			if err := b.handle(ctx, conn, data); err != nil {
				return err
			}
		case <-idle.Chan():
			b.logger.Debug().Msg("upstream quiet, sending heartbeat")
			if err := b.write(conn, heartbeatFrame{Type: FrameHeartbeat, Timestamp: time.Now().UTC()}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			idle.Reset(b.cfg.ReceiveTimeout)
		case err := <-errc:
			return fmt.Errorf("read upstream: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handle processes one frame. Only write failures are returned; bad input
// and panics are logged and the link stays up.
func (b *Bridge) handle(ctx context.Context, conn *websocket.Conn, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("panic handling upstream frame")
			err = nil
		}
	}()

	f, err := DecodeFrame(data)
	if err != nil {
		b.logger.Warn().Err(err).Msg("ignoring undecodable upstream frame")
		b.metrics.Frame("invalid")
		return nil
	}

	switch f.Type {
	case FramePatientAssignment:
		b.metrics.Frame(string(f.Type))
		return b.handleAssignment(ctx, conn, f)
	case FrameHeartbeat:
		b.metrics.Frame(string(f.Type))
		return b.write(conn, heartbeatFrame{Type: FrameHeartbeatAck, Timestamp: time.Now().UTC()})
	case FrameAssignmentStatusUpdate:
		b.metrics.Frame(string(f.Type))
		b.logger.Info().
			Str("assignment_id", firstString("assignment_id", f.Body)).
			Str("status", firstString("status", f.Body)).
			Msg("assignment status update")
	default:
		b.metrics.Frame("unknown")
		b.logger.Warn().Str("type", string(f.Type)).Msg("unknown upstream frame type")
	}
	return nil
}

func (b *Bridge) handleAssignment(ctx context.Context, conn *websocket.Conn, f Frame) error {
	a, err := ParseAssignment(f)
	if err != nil {
		b.logger.Warn().Err(err).Msg("dropping malformed assignment")
		return nil
	}

	p := a.Payload
	if b.enricher != nil {
		p = b.enricher.Enrich(ctx, p)
	}
	msg := delivery.NewMessage(delivery.EventPatientAssigned, p)
	delivered := b.deliverer.Deliver(ctx, a.DoctorID, msg, a.AssignmentID)

	status := AckPending
	if delivered {
		status = AckDelivered
	}
	b.metrics.Acked(status)
	b.logger.Info().
		Str("assignment_id", a.AssignmentID).
		Str("doctor_id", a.DoctorID).
		Str("status", status).
		Msg("assignment relayed")

	return b.write(conn, assignmentAckFrame{
		Type:         FrameAssignmentAck,
		AssignmentID: a.AssignmentID,
		DoctorID:     a.DoctorID,
		Status:       status,
		Timestamp:    time.Now().UTC(),
	})
}

func (b *Bridge) write(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func (b *Bridge) targetURL() (string, error) {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	if b.cfg.Token != "" {
		q := u.Query()
		q.Set("token", b.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
