// Package resilience wraps calls to external model services with rate
// limiting, circuit breaking, per-call timeouts, and bounded retry.
//
// One ServiceClient instance exists per external service and is shared
// by every caller (ingestion workers and the query path) so quota and
// breaker state stay correct under concurrency. Instances are injected
// explicitly, never process-wide singletons, so tests can substitute an
// isolated instance per case.
package resilience

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when the circuit breaker is open and the
// call was rejected without contacting the external service.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrRateLimitExceeded is returned when a call could not obtain a rate
// limiter token within the configured queue-wait bound.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// TransientServiceError indicates a failure that is expected to be
// recoverable: timeout, 5xx, or 429. These are the only errors the
// client retries.
type TransientServiceError struct {
	Reason     string
	StatusCode int // 0 when the failure was not an HTTP status
	Err        error
}

func (e *TransientServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient service error (status %d): %s", e.StatusCode, e.Reason)
	}
	return "transient service error: " + e.Reason
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// ValidationError indicates malformed input or a non-conforming
// external response. Never retried; surfaced to the caller.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string { return "validation error: " + e.Reason }

func (e *ValidationError) Unwrap() error { return e.Err }

// DimensionMismatchError indicates the embedding service returned a
// vector whose length does not match the configured dimension, meaning
// the model contract changed. Fatal, never retried.
type DimensionMismatchError struct {
	Space    string
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s embedding dimension mismatch: expected %d, got %d",
		e.Space, e.Expected, e.Actual)
}

// IsTransient reports whether err should count as transient for
// ingestion retry purposes. Rate-limit and open-circuit failures are
// included: the queue retries them, the client does not.
func IsTransient(err error) bool {
	var tse *TransientServiceError
	return errors.As(err, &tse) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrCircuitOpen)
}

// IsValidation reports whether err is terminal for the task that
// produced it (malformed input/response or a broken model contract).
func IsValidation(err error) bool {
	var ve *ValidationError
	var de *DimensionMismatchError
	return errors.As(err, &ve) || errors.As(err, &de)
}
