// Package circuit implements a per-endpoint failure-isolation state machine.
// A breaker stops calls to a persistently failing endpoint until a reset
// timeout elapses, then admits exactly one probe to test recovery.
package circuit

import (
	"context"
	"sync"
	"time"

	dErrors "bastion/pkg/domain-errors"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker guards one endpoint. All transitions happen under b.mu; the
// half-open probe slot is claimed atomically so concurrent callers arriving
// during the probe window are rejected, not queued.
type Breaker struct {
	name string

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	nextProbe   time.Time
	probing     bool

	failureThreshold int
	resetTimeout     time.Duration
	isFailure        func(error) bool
	now              func() time.Time
	onChange         func(name string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the consecutive failures that open the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithResetTimeout sets how long the circuit stays open before a probe.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithFailurePredicate overrides which errors count against the threshold.
func WithFailurePredicate(f func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = f }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithOnStateChange registers a transition callback. Called outside b.mu.
func WithOnStateChange(f func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = f }
}

// defaultIsFailure counts transient and unclassified failures. A permanent
// rejection means the endpoint is up and answering, so it never trips the
// breaker.
func defaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeValidation, dErrors.CodePermanent, dErrors.CodeRateLimited:
		return false
	}
	return true
}

// New creates a closed Breaker for the named endpoint.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: 5,
		resetTimeout:     30 * time.Second,
		isFailure:        defaultIsFailure,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the endpoint this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker: rejected immediately with a
// circuit-open error while open, otherwise fn's outcome is recorded.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if b.isFailure(err) {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// Allow reports whether a call may proceed. While open it returns a
// circuit-open error carrying the remaining wait; once the reset timeout has
// elapsed it admits exactly one probe and keeps rejecting competing callers
// until that probe resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if now.Before(b.nextProbe) {
			wait := b.nextProbe.Sub(now)
			b.mu.Unlock()
			return dErrors.Newf(dErrors.CodeCircuitOpen, "circuit open for %s", b.name).
				WithRetryAfter(wait)
		}
		// Reset timeout elapsed: this caller becomes the probe.
		b.setState(StateHalfOpen)
		b.probing = true
		b.mu.Unlock()
		return nil

	default: // StateHalfOpen
		if b.probing {
			b.mu.Unlock()
			return dErrors.Newf(dErrors.CodeCircuitOpen, "probe in flight for %s", b.name)
		}
		b.probing = true
		b.mu.Unlock()
		return nil
	}
}

// RecordSuccess closes the circuit after a successful probe and resets the
// failure count while closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.failures = 0
		b.setState(StateClosed)
	case StateClosed:
		b.failures = 0
	}
	b.mu.Unlock()
}

// RecordFailure counts a failure, opening the circuit at the threshold and
// restarting the open timer on a failed probe.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.now()
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.nextProbe = now.Add(b.resetTimeout)
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.probing = false
		b.nextProbe = now.Add(b.resetTimeout)
		b.setState(StateOpen)
	}
	b.mu.Unlock()
}

// setState transitions and schedules the change callback. Caller holds b.mu;
// the callback itself runs without the lock.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		go b.onChange(b.name, from, to)
	}
}
