// Package ratelimit provides per-identifier token bucket admission control.
// Each identifier gets its own lazily materialized bucket; buckets are
// guarded by their own internal lock so admission checks for different
// identifiers never contend beyond the map lookup.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Result is the outcome of an admission check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // only set when not allowed
}

// Limiter admits operations against per-identifier token buckets with a
// shared capacity and refill rate. Idle buckets are dropped by the janitor.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	capacity int
	refill   rate.Limit

	idleTTL      time.Duration
	cleanupEvery time.Duration

	now func() time.Time
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithIdleTTL sets how long an untouched bucket survives before the janitor
// drops it.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) { l.idleTTL = d }
}

// WithCleanupEvery sets the janitor interval.
func WithCleanupEvery(d time.Duration) Option {
	return func(l *Limiter) { l.cleanupEvery = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter where every identifier's bucket holds capacity
// tokens and refills at refillPerSecond.
func New(capacity int, refillPerSecond float64, opts ...Option) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	l := &Limiter{
		entries:      make(map[string]*entry),
		capacity:     capacity,
		refill:       rate.Limit(refillPerSecond),
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Consume attempts to take n tokens from the identifier's bucket. When the
// bucket cannot cover n right now, the result carries the wait until enough
// tokens accrue and no tokens are deducted.
func (l *Limiter) Consume(ctx context.Context, identifier string, n int) *Result {
	if n > l.capacity {
		// Can never be satisfied, not even by waiting.
		return &Result{Allowed: false, Limit: l.capacity, RetryAfter: rate.InfDuration}
	}

	now := l.now()
	lim := l.bucket(identifier, now)

	r := lim.ReserveN(now, n)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &Result{Allowed: false, Limit: l.capacity, RetryAfter: delay}
	}
	return &Result{
		Allowed:   true,
		Limit:     l.capacity,
		Remaining: int(lim.TokensAt(now)),
	}
}

// bucket returns the identifier's limiter, materializing it on first use.
func (l *Limiter) bucket(identifier string, now time.Time) *rate.Limiter {
	key := sanitizeKey(identifier)

	l.mu.Lock()
	defer l.mu.Unlock()

	if ent, ok := l.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(l.refill, l.capacity)
	l.entries[key] = &entry{lim: lim, lastSeen: now}
	return lim
}

// Cleanup drops buckets idle longer than the idle TTL.
func (l *Limiter) Cleanup() {
	cutoff := l.now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, ent := range l.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
}

// StartJanitor cleans idle buckets periodically until ctx is cancelled.
func (l *Limiter) StartJanitor(ctx context.Context) {
	if l.cleanupEvery <= 0 {
		return
	}
	t := time.NewTicker(l.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-t.C:
				l.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// sanitizeKey escapes delimiter characters in identifiers to prevent key
// collision attacks where a caller-controlled identifier containing ':'
// could manipulate an adjacent bucket.
func sanitizeKey(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}
