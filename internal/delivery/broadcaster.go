package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/doctor-relay/internal/platform/metrics"
)

// Connection is a live socket to one recipient. Send must apply its own write
// timeout; the broadcaster never waits on anything else.
type Connection interface {
	ID() string
	Send(data []byte) error
}

// ConnectionSource is the view of the connection registry the broadcaster needs.
type ConnectionSource interface {
	ConnectionsFor(recipientID string) []Connection
	Disconnect(connectionID string)
}

// Broadcaster delivers messages to every live connection of a recipient,
// records successful deliveries and keeps recent messages for replay.
type Broadcaster struct {
	conns   ConnectionSource
	tracker Tracker
	cache   Cache
	logger  zerolog.Logger
	metrics *metrics.DeliveryMetrics
	locks   *keyedMutex
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithMetrics records delivery outcomes on m.
func WithMetrics(m *metrics.DeliveryMetrics) BroadcasterOption {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

// NewBroadcaster creates a Broadcaster over the given registry, tracker and cache.
func NewBroadcaster(conns ConnectionSource, tracker Tracker, cache Cache, logger zerolog.Logger, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		conns:   conns,
		tracker: tracker,
		cache:   cache,
		logger:  logger.With().Str("component", "broadcaster").Logger(),
		locks:   newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Deliver sends msg to every live connection of recipientID.
//
// The message id is messageID, else msg.ID, else a fresh uuid. If that id was
// already delivered to the recipient nothing is sent and true is returned.
// Otherwise the message is cached for replay and true is returned only when
// at least one connection accepted the frame. Connections whose send fails
// are disconnected.
func (b *Broadcaster) Deliver(ctx context.Context, recipientID string, msg Message, messageID string) bool {
	if messageID == "" {
		messageID = msg.ID
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}
	msg.ID = messageID

	unlock := b.locks.lock(recipientID)
	defer unlock()

	log := b.logger.With().Str("recipient_id", recipientID).Str("message_id", messageID).Logger()

	if b.tracker.AlreadyDelivered(ctx, messageID, recipientID) {
		log.Debug().Msg("duplicate suppressed")
		b.metrics.Outcome(metrics.OutcomeDuplicate)
		return true
	}

	conns := b.conns.ConnectionsFor(recipientID)
	if len(conns) == 0 {
		b.cache.CacheMessage(ctx, recipientID, msg)
		log.Info().Str("event", msg.EventType).Msg("recipient offline, message cached")
		b.metrics.Outcome(metrics.OutcomeCached)
		return false
	}

	data, err := msg.Encode()
	if err != nil {
		log.Error().Err(err).Msg("encode message")
		b.cache.CacheMessage(ctx, recipientID, msg)
		b.metrics.Outcome(metrics.OutcomeCached)
		return false
	}

	sent := 0
	for _, conn := range conns {
		if err := conn.Send(data); err != nil {
			log.Warn().Err(err).Str("connection_id", conn.ID()).Msg("send failed, dropping connection")
			b.conns.Disconnect(conn.ID())
			b.metrics.SendFailed()
			continue
		}
		sent++
	}

	if sent > 0 {
		b.tracker.MarkDelivered(ctx, messageID, recipientID)
	}
	b.cache.CacheMessage(ctx, recipientID, msg)

	if sent == 0 {
		log.Info().Int("attempted", len(conns)).Msg("all sends failed, message cached")
		b.metrics.Outcome(metrics.OutcomeCached)
		return false
	}
	log.Debug().Int("connections", sent).Msg("message delivered")
	b.metrics.Outcome(metrics.OutcomeDelivered)
	return true
}

// Attach registers a new connection for recipientID and replays its cached
// messages, oldest first, under the recipient's delivery lock. A concurrent
// Deliver for the same recipient waits until the replay is written, so the
// new connection never sees live traffic ahead of its catch-up frames.
// If a replay send fails the connection is disconnected and the error
// returned.
func (b *Broadcaster) Attach(ctx context.Context, recipientID string, register func() (Connection, error)) (int, error) {
	unlock := b.locks.lock(recipientID)
	defer unlock()

	conn, err := register()
	if err != nil {
		return 0, err
	}

	msgs := b.cache.Replay(ctx, recipientID)
	sent := 0
	for _, msg := range msgs {
		data, err := msg.EncodeReplay()
		if err != nil {
			b.logger.Error().Err(err).Str("message_id", msg.ID).Msg("encode replay frame")
			continue
		}
		if err := conn.Send(data); err != nil {
			b.conns.Disconnect(conn.ID())
			b.metrics.SendFailed()
			return sent, fmt.Errorf("replay to connection %s: %w", conn.ID(), err)
		}
		sent++
	}
	if sent > 0 {
		b.logger.Info().
			Str("recipient_id", recipientID).
			Str("connection_id", conn.ID()).
			Int("count", sent).
			Msg("replayed cached messages")
	}
	return sent, nil
}

// Replay returns the cached messages for recipientID, oldest first.
func (b *Broadcaster) Replay(ctx context.Context, recipientID string) []Message {
	return b.cache.Replay(ctx, recipientID)
}

// Acknowledge records a client-side receipt of messageID.
func (b *Broadcaster) Acknowledge(ctx context.Context, messageID, recipientID string) {
	b.tracker.MarkDelivered(ctx, messageID, recipientID)
}

// keyedMutex serialises work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
