package delivery

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultDeliveryTTL        = 24 * time.Hour
	DefaultMaxTrackedMessages = 10000
)

// Tracker remembers which (message, recipient) pairs have been delivered.
type Tracker interface {
	AlreadyDelivered(ctx context.Context, messageID, recipientID string) bool
	MarkDelivered(ctx context.Context, messageID, recipientID string)
}

// MemoryTracker is an in-process Tracker. Records expire after a TTL and the
// oldest are evicted once more than maxEntries message ids are tracked.
type MemoryTracker struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	ttl        time.Duration
	maxEntries int
	records    map[string]*deliveryRecord
	order      *list.List // message ids, oldest first
}

type deliveryRecord struct {
	recipients map[string]struct{}
	expiresAt  time.Time
	elem       *list.Element
}

// TrackerOption configures a MemoryTracker.
type TrackerOption func(*MemoryTracker)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock clockwork.Clock) TrackerOption {
	return func(t *MemoryTracker) {
		t.clock = clock
	}
}

// WithTTL sets how long a delivery record is remembered.
func WithTTL(ttl time.Duration) TrackerOption {
	return func(t *MemoryTracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithMaxEntries bounds the number of tracked message ids.
func WithMaxEntries(n int) TrackerOption {
	return func(t *MemoryTracker) {
		if n > 0 {
			t.maxEntries = n
		}
	}
}

// NewMemoryTracker creates a MemoryTracker with a 24h TTL and 10000 entries.
func NewMemoryTracker(opts ...TrackerOption) *MemoryTracker {
	t := &MemoryTracker{
		clock:      clockwork.NewRealClock(),
		ttl:        DefaultDeliveryTTL,
		maxEntries: DefaultMaxTrackedMessages,
		records:    make(map[string]*deliveryRecord),
		order:      list.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *MemoryTracker) AlreadyDelivered(_ context.Context, messageID, recipientID string) bool {
	if messageID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[messageID]
	if !ok {
		return false
	}
	if !t.clock.Now().Before(rec.expiresAt) {
		t.remove(messageID, rec)
		return false
	}
	_, delivered := rec.recipients[recipientID]
	return delivered
}

func (t *MemoryTracker) MarkDelivered(_ context.Context, messageID, recipientID string) {
	if messageID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.pruneExpired(now)

	rec, ok := t.records[messageID]
	if !ok {
		rec = &deliveryRecord{recipients: make(map[string]struct{}, 1)}
		rec.elem = t.order.PushBack(messageID)
		t.records[messageID] = rec
	} else {
		t.order.MoveToBack(rec.elem)
	}
	rec.recipients[recipientID] = struct{}{}
	rec.expiresAt = now.Add(t.ttl)

	for len(t.records) > t.maxEntries {
		oldest := t.order.Front()
		id := oldest.Value.(string)
		t.remove(id, t.records[id])
	}
}

// Len reports how many message ids are currently tracked.
func (t *MemoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// pruneExpired drops expired records from the front of the order list. Every
// mark refreshes expiry with the same TTL, so the list is ordered by expiry.
func (t *MemoryTracker) pruneExpired(now time.Time) {
	for e := t.order.Front(); e != nil; e = t.order.Front() {
		id := e.Value.(string)
		rec := t.records[id]
		if now.Before(rec.expiresAt) {
			return
		}
		t.remove(id, rec)
	}
}

func (t *MemoryTracker) remove(id string, rec *deliveryRecord) {
	t.order.Remove(rec.elem)
	delete(t.records, id)
}
