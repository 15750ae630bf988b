package bridge

import (
	"math/rand/v2"
	"time"
)

// Backoff defaults.
const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultFactor       = 1.5
	DefaultJitter       = 0.2
)

// Backoff produces reconnect delays that grow geometrically up to Max, each
// randomised by ±Jitter. It is not safe for concurrent use; the bridge owns it.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64

	current time.Duration
	rand    func() float64
}

// NewBackoff creates a Backoff. Non-positive arguments take the defaults.
func NewBackoff(initial, max time.Duration, factor, jitter float64) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if max < initial {
		max = initial
	}
	if factor < 1 {
		factor = DefaultFactor
	}
	if jitter < 0 || jitter >= 1 {
		jitter = DefaultJitter
	}
	return &Backoff{
		Initial: initial,
		Max:     max,
		Factor:  factor,
		Jitter:  jitter,
		current: initial,
		rand:    rand.Float64,
	}
}

// Next returns the delay before the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	base := b.current
	next := time.Duration(float64(b.current) * b.Factor)
	if next > b.Max {
		next = b.Max
	}
	b.current = next

	spread := b.Jitter * (2*b.rand() - 1)
	return time.Duration(float64(base) * (1 + spread))
}

// Current returns the un-jittered delay the next call to Next is based on.
func (b *Backoff) Current() time.Duration {
	return b.current
}

// Reset returns the schedule to Initial.
func (b *Backoff) Reset() {
	b.current = b.Initial
}
