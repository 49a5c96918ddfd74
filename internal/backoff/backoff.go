// Package backoff computes retry delays and classifies failures for the
// outbound gateway. Classification happens once here, at the boundary;
// everything downstream branches on the resulting error code instead of
// re-inspecting transport errors or status numbers.
package backoff

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"os"
	"syscall"
	"time"

	dErrors "bastion/pkg/domain-errors"
)

// Policy computes exponential retry delays with jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// randFloat returns a value in [0, 1). Injectable for tests.
	randFloat func() float64
}

// Option configures a Policy.
type Option func(*Policy)

// WithRandFloat overrides the jitter source, for tests.
func WithRandFloat(f func() float64) Option {
	return func(p *Policy) { p.randFloat = f }
}

// New creates a Policy. maxAttempts <= 0 is treated as 1 (no retries).
func New(maxAttempts int, base, cap time.Duration, opts ...Option) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	p := &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		MaxDelay:    cap,
		randFloat:   rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

const jitterFraction = 0.1

// Delay returns the wait before retrying after the given zero-based attempt:
// min(base * 2^attempt +- 10% jitter, cap).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	jit := exp * jitterFraction * (2*p.randFloat() - 1)

	d := time.Duration(exp + jit)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = p.MaxDelay
	}
	return d
}

// DelayFor returns the wait before retrying the given failure. An explicit
// wait hint carried by the error overrides the computed delay.
func (p *Policy) DelayFor(err error, attempt int) time.Duration {
	if hint := dErrors.RetryAfterOf(err); hint > 0 {
		return hint
	}
	return p.Delay(attempt)
}

// Classify maps an arbitrary failure to an error code. Errors already coded
// keep their code; transport-level failures (timeouts, connection resets,
// refused connections, truncated reads) classify as transient.
func Classify(err error) dErrors.Code {
	if err == nil {
		return ""
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		return de.Code
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return dErrors.CodeTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return dErrors.CodeTransient
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return dErrors.CodeTransient
	}

	// Unrecognized transport failures are treated as transient: the safe
	// default for an external call that may simply have hit a flaky network.
	return dErrors.CodeTransient
}

// Retryable reports whether the failure may be retried.
func Retryable(err error) bool {
	return Classify(err).Retryable()
}

// FromStatus converts an HTTP-equivalent response status into a coded error,
// or nil for success. retryAfter is the remote wait hint, if any.
func FromStatus(status int, retryAfter time.Duration) error {
	switch {
	case status < 400:
		return nil
	case status == 429:
		e := dErrors.Newf(dErrors.CodeTransient, "remote rate limited (status %d)", status)
		if retryAfter > 0 {
			e = e.WithRetryAfter(retryAfter)
		}
		return e
	case status == 408:
		return dErrors.Newf(dErrors.CodeTransient, "remote timeout (status %d)", status)
	case status >= 500:
		e := dErrors.Newf(dErrors.CodeTransient, "remote server error (status %d)", status)
		if retryAfter > 0 {
			e = e.WithRetryAfter(retryAfter)
		}
		return e
	default:
		return dErrors.Newf(dErrors.CodePermanent, "remote rejected request (status %d)", status)
	}
}
