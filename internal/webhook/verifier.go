// Package webhook verifies inbound deliveries before any business
// processing: keyed digest check over the exact received bytes, timestamp
// freshness window, and idempotency dedup with atomic insert-if-absent.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	dErrors "bastion/pkg/domain-errors"
)

// Outcome of a successful verification.
type Outcome string

const (
	// OutcomeVerified: first delivery for this idempotency key, process it.
	OutcomeVerified Outcome = "verified"
	// OutcomeDuplicate: key already seen within its TTL. The caller should
	// acknowledge success without reprocessing.
	OutcomeDuplicate Outcome = "duplicate"
)

// KeyStore tracks processed idempotency keys. PutIfAbsent must be atomic so
// two concurrent deliveries of the same key cannot both pass the dedup check.
type KeyStore interface {
	// PutIfAbsent inserts the key with the given TTL and reports whether it
	// was inserted. A live key is never refreshed: the original expiry holds.
	PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Verifier checks inbound deliveries.
type Verifier struct {
	keys KeyStore

	maxAge    time.Duration
	clockSkew time.Duration
	keyTTL    time.Duration

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithMaxAge sets the acceptance window for delivery timestamps.
func WithMaxAge(d time.Duration) Option {
	return func(v *Verifier) { v.maxAge = d }
}

// WithClockSkew sets how far into the future a timestamp may point before
// it is rejected.
func WithClockSkew(d time.Duration) Option {
	return func(v *Verifier) { v.clockSkew = d }
}

// WithKeyTTL sets how long a processed idempotency key stays live.
func WithKeyTTL(d time.Duration) Option {
	return func(v *Verifier) { v.keyTTL = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// NewVerifier creates a Verifier over the key store.
func NewVerifier(keys KeyStore, opts ...Option) *Verifier {
	v := &Verifier{
		keys:      keys,
		maxAge:    5 * time.Minute,
		clockSkew: 30 * time.Second,
		keyTTL:    24 * time.Hour,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks signature, timestamp, and idempotency of one delivery.
// Rejections carry a specific code and are never silently accepted.
func (v *Verifier) Verify(ctx context.Context, payload []byte, signature, timestamp, idempotencyID string, secret []byte) (Outcome, error) {
	if !signatureMatches(secret, payload, signature) {
		return "", dErrors.New(dErrors.CodeSignatureInvalid, "signature mismatch")
	}

	ts, err := parseTimestamp(timestamp)
	if err != nil {
		return "", err
	}
	now := v.now()
	if now.Sub(ts) > v.maxAge {
		return "", dErrors.Newf(dErrors.CodeTimestampStale,
			"delivery is %s old, window is %s", now.Sub(ts).Truncate(time.Second), v.maxAge)
	}
	if ts.Sub(now) > v.clockSkew {
		return "", dErrors.Newf(dErrors.CodeTimestampFuture,
			"delivery timestamp is %s ahead", ts.Sub(now).Truncate(time.Second))
	}

	if idempotencyID == "" {
		return "", dErrors.New(dErrors.CodeValidation, "missing idempotency id")
	}
	inserted, err := v.keys.PutIfAbsent(ctx, idempotencyID, v.keyTTL)
	if err != nil {
		return "", dErrors.Wrap(dErrors.CodeInternal, "idempotency store", err)
	}
	if !inserted {
		v.logger.Debug("duplicate delivery acknowledged", "idempotency_id", idempotencyID)
		return OutcomeDuplicate, nil
	}
	return OutcomeVerified, nil
}

// Sign computes the hex signature a sender would attach for the payload.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// signatureMatches recomputes the digest over the exact received bytes and
// compares in constant time. An optional "sha256=" prefix is accepted.
func signatureMatches(secret, payload []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	received, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(received, mac.Sum(nil))
}

// parseTimestamp reads a unix-seconds timestamp header.
func parseTimestamp(s string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, dErrors.New(dErrors.CodeValidation, "malformed timestamp header")
	}
	return time.Unix(secs, 0), nil
}
