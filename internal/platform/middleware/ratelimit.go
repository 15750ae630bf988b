package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
	}
}

// limiterIdleTTL is how long a key may go unseen before its limiter is
// dropped. It must exceed the bucket refill time so a dropped limiter would
// have been full anyway.
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// rateLimiterStore holds per-key limiters. Keys idle for limiterIdleTTL are
// swept at most once per TTL, on the request path.
type rateLimiterStore struct {
	limiters  map[string]*limiterEntry
	mu        sync.RWMutex
	config    RateLimitConfig
	clock     clockwork.Clock
	lastSweep time.Time
}

func newRateLimiterStore(cfg RateLimitConfig, clock clockwork.Clock) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*limiterEntry),
		config:    cfg,
		clock:     clock,
		lastSweep: clock.Now(),
	}
}

func (s *rateLimiterStore) limiter(key string) *rate.Limiter {
	now := s.clock.Now()

	s.mu.RLock()
	e, ok := s.limiters[key]
	sweepDue := now.Sub(s.lastSweep) >= limiterIdleTTL
	s.mu.RUnlock()
	if ok && !sweepDue {
		e.lastSeen.Store(now.UnixNano())
		return e.limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastSweep) >= limiterIdleTTL {
		s.sweep(now)
	}
	if e, ok := s.limiters[key]; ok {
		e.lastSeen.Store(now.UnixNano())
		return e.limiter
	}
	e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.BurstSize)}
	e.lastSeen.Store(now.UnixNano())
	s.limiters[key] = e
	return e.limiter
}

// sweep drops idle limiters. Callers hold s.mu.
func (s *rateLimiterStore) sweep(now time.Time) {
	cutoff := now.Add(-limiterIdleTTL).UnixNano()
	for key, e := range s.limiters {
		if e.lastSeen.Load() < cutoff {
			delete(s.limiters, key)
		}
	}
	s.lastSweep = now
}

func (s *rateLimiterStore) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

// retryAfter reports whole seconds until the limiter would admit one request.
func retryAfter(l *rate.Limiter) int {
	r := l.Reserve()
	if !r.OK() {
		return 1
	}
	d := r.Delay()
	r.Cancel()
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RateLimit limits requests per client IP. A non-positive rate disables it.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.RequestsPerSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	store := newRateLimiterStore(cfg, clockwork.NewRealClock())
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			l := store.limiter(c.RealIP())
			c.Response().Header().Set("X-RateLimit-Limit", limit)

			if !l.AllowN(time.Now(), 1) {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter(l)))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
