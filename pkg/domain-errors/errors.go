// Package domainerrors defines the coded error taxonomy shared by the
// outbound gateway and the inbound webhook path. Services classify a failure
// exactly once at the boundary and thread the code through as a typed value,
// so callers branch on codes instead of sniffing strings or status numbers.
package domainerrors

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies the failure class of an Error.
type Code string

const (
	// CodeValidation marks a malformed or oversized request. Never retried.
	CodeValidation Code = "validation"
	// CodeRateLimited marks a local admission rejection. The caller must wait
	// RetryAfter before resubmitting.
	CodeRateLimited Code = "rate_limited"
	// CodeCircuitOpen marks a fail-fast rejection while an endpoint's circuit
	// is open. No underlying call was attempted.
	CodeCircuitOpen Code = "circuit_open"
	// CodeTransient marks a retryable failure: timeout, connection failure,
	// server-error-class or explicit rate-limit-class response.
	CodeTransient Code = "transient"
	// CodePermanent marks a client-error-class response. Never retried.
	CodePermanent Code = "permanent"

	// Inbound verification outcomes.
	CodeSignatureInvalid Code = "signature_invalid"
	CodeTimestampStale   Code = "timestamp_stale"
	CodeTimestampFuture  Code = "timestamp_future"
	CodeDuplicate        Code = "duplicate"

	// CodeInternal marks an unexpected infrastructure failure.
	CodeInternal Code = "internal"
)

// Error is a coded domain error. RetryAfter is populated for rate-limit and
// circuit-open rejections, and for transient failures that carried an
// explicit wait hint from the remote side.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithRetryAfter returns a copy of the error carrying a wait hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	c := *e
	c.RetryAfter = d
	return &c
}

// CodeOf extracts the code from an error chain. Unclassified errors report
// CodeInternal; nil reports the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether a failure with this code may be retried.
// Only transient failures qualify.
func (c Code) Retryable() bool {
	return c == CodeTransient
}

// RetryAfterOf extracts the wait hint from an error chain, or zero.
func RetryAfterOf(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}
