// Package resilience composes retry, timeout, circuit breaker, bulkhead,
// rate limiting and fallback into a single ordered pipeline around a
// caller-supplied operation, per spec.md's component design (C1-C8).
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// CircuitOpenError is returned when a Breaker strategy rejects a call
// because the breaker for ServiceKey is open (or half-open and this
// caller did not win the probe).
type CircuitOpenError struct {
	ServiceKey string
	cause      error
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("resilience: circuit open for %q", e.ServiceKey)
}

// Cause returns the wrapped error, if any (github.com/pkg/errors
// convention; also reachable via errors.Unwrap).
func (e *CircuitOpenError) Cause() error  { return e.cause }
func (e *CircuitOpenError) Unwrap() error { return e.cause }

// RetryShortCircuit implements retry.ShortCircuit: CircuitOpen is
// non-retriable by default but overridable by a user ErrorPredicate, per
// spec.md §7.
func (e *CircuitOpenError) RetryShortCircuit() bool { return true }

// BulkheadFullError is returned when a Bulkhead strategy has no free
// permit (and, if queueing is enabled, the wait bound elapsed). It
// carries no queue-position state, per spec.md §4.5.
type BulkheadFullError struct {
	ResourceKey    string
	MaxConcurrency int
}

func (e *BulkheadFullError) Error() string {
	return fmt.Sprintf("resilience: bulkhead full for %q (max_concurrency=%d)", e.ResourceKey, e.MaxConcurrency)
}

// RetryShortCircuit implements retry.ShortCircuit: non-retriable by
// default, overridable by a user ErrorPredicate.
func (e *BulkheadFullError) RetryShortCircuit() bool { return true }

// ThrottledError is returned when a RateLimit strategy denies a call.
type ThrottledError struct {
	ServiceKey string
	Rate       int
	Window     time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("resilience: throttled for %q (rate=%d/%s)", e.ServiceKey, e.Rate, e.Window)
}

// RetryShortCircuit implements retry.ShortCircuit: non-retriable by
// default, overridable by a user ErrorPredicate.
func (e *ThrottledError) RetryShortCircuit() bool { return true }

// TimeoutError is returned when a Timeout or Retry-owned timeout trips
// before the operation completes. It is distinguishable from
// caller-initiated cancellation (context.Canceled).
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("resilience: timed out after %s", e.Duration)
}

// InvalidConfigError is returned at pipeline-construction time for a
// construction-level violation (empty key, non-positive threshold,
// window smaller than the threshold, negative delay, burst < rate, etc.).
type InvalidConfigError struct {
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return "resilience: invalid config: " + e.Reason
}

// InvalidConfigChangeError is returned by a RateLimit strategy's
// get-or-create when an existing key's config differs materially from
// the config passed on a later call (spec.md §4.6/§9: Bucket errors on
// mismatch, Breaker and Bulkhead silently reuse the first writer).
type InvalidConfigChangeError struct {
	ServiceKey string
}

func (e *InvalidConfigChangeError) Error() string {
	return fmt.Sprintf("resilience: config changed for existing rate limit key %q", e.ServiceKey)
}

// IsCancelled reports whether err represents caller-initiated
// cancellation, per spec.md §6's Cancelled outcome.
func IsCancelled(err error) bool {
	return err != nil && isContextCanceled(err)
}

func isContextCanceled(err error) bool {
	return err == context.Canceled || pkgerrors.Cause(err) == context.Canceled || unwrapsTo(err, context.Canceled)
}

func unwrapsTo(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsTimeout reports whether err represents a tripped timeout (as opposed
// to caller-initiated cancellation).
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var t *TimeoutError
	return errors.As(err, &t)
}
