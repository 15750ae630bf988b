package delivery

import (
	"context"
	"sync"
)

// DefaultCacheSize is how many undelivered messages are kept per recipient.
const DefaultCacheSize = 20

// Cache holds recent undelivered messages per recipient for replay on connect.
type Cache interface {
	CacheMessage(ctx context.Context, recipientID string, msg Message)
	Replay(ctx context.Context, recipientID string) []Message
}

// MemoryCache is a bounded FIFO per recipient. Replay does not drain it;
// clients dedupe on message_id.
type MemoryCache struct {
	mu      sync.RWMutex
	size    int
	entries map[string][]Message
}

// NewMemoryCache creates a cache keeping the last size messages per recipient.
func NewMemoryCache(size int) *MemoryCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &MemoryCache{
		size:    size,
		entries: make(map[string][]Message),
	}
}

func (c *MemoryCache) CacheMessage(_ context.Context, recipientID string, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := append(c.entries[recipientID], msg)
	if len(msgs) > c.size {
		trimmed := make([]Message, c.size)
		copy(trimmed, msgs[len(msgs)-c.size:])
		msgs = trimmed
	}
	c.entries[recipientID] = msgs
}

// Replay returns a copy of the cached messages, oldest first.
func (c *MemoryCache) Replay(_ context.Context, recipientID string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := c.entries[recipientID]
	if len(msgs) == 0 {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
