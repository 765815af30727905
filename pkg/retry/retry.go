// Package retry implements the attempt loop described in spec.md §4.7: it
// links cancellation and an optional timeout, drives up to max_retries
// additional attempts past the initial try, and computes delays via
// jitterclock's decorrelated jitter.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/grafana/resilience/pkg/jitterclock"
)

// Config is the immutable retry configuration.
type Config struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelayCap   time.Duration // defaults to 30s if zero
	Timeout       time.Duration // 0 means no per-call timeout
	DisableJitter bool

	// ErrorPredicate reports whether err should be retried. A nil
	// predicate retries every non-short-circuited error. Returning false
	// makes the error propagate immediately regardless of remaining
	// attempts.
	ErrorPredicate func(error) bool

	// ResultPredicate, if set, reports whether a successful result should
	// instead be treated as a retriable outcome (the last such value is
	// returned if retries are exhausted).
	ResultPredicate func(any) bool
}

type invalidConfigError string

func (e invalidConfigError) Error() string { return "invalid retry config: " + string(e) }

// Validate checks spec.md §3/§6 construction invariants.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return invalidConfigError("max retries must be >= 0")
	}
	if c.BaseDelay <= 0 {
		return invalidConfigError("base delay must be positive")
	}
	if c.MaxDelayCap < 0 {
		return invalidConfigError("max delay cap must be >= 0")
	}
	if c.Timeout < 0 {
		return invalidConfigError("timeout must be >= 0")
	}
	return nil
}

func (c Config) maxDelayCap() time.Duration {
	if c.MaxDelayCap <= 0 {
		return 30 * time.Second
	}
	return c.MaxDelayCap
}

// TimeoutError is surfaced when Config.Timeout trips before the operation
// (or a retry delay) completes, distinguishable from caller-initiated
// cancellation (context.Canceled).
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return "resilience: timed out after " + e.Duration.String()
}

// ShortCircuit is implemented by error types that must never be retried
// regardless of ErrorPredicate, except that a user ErrorPredicate may
// still override when Overridable is true (CircuitOpen/BulkheadFull/
// Throttled per spec.md §7); Cancelled is never overridable.
type ShortCircuit interface {
	error
	RetryShortCircuit() (overridable bool)
}

// Operation is one attempt of the wrapped call. It must honor ctx
// cancellation cooperatively.
type Operation[T any] func(ctx context.Context) (T, error)

// Driver executes an Operation under a Config.
type Driver[T any] struct {
	cfg   Config
	clock jitterclock.Clock
}

// New constructs a Driver. Callers should call Config.Validate first.
func New[T any](cfg Config) *Driver[T] {
	return &Driver[T]{cfg: cfg}
}

// Run drives the attempt loop described in spec.md §4.7.
func (d *Driver[T]) Run(ctx context.Context, op Operation[T]) (T, error) {
	cfg := d.cfg

	// Step 1: cancellation linking. Only construct a linked, cancellable
	// context when a timeout is configured or the outer context is
	// itself cancellable (has a Done channel); otherwise call the
	// operation directly against ctx so no cancellation-dependent helper
	// (and no perpetual wait handle) is ever allocated, per spec.md §4.7
	// step 1 / §9's wait-task-leak fix.
	outerCancellable := ctx.Done() != nil
	needsLinked := cfg.Timeout > 0 || outerCancellable

	var zero T

	if !needsLinked {
		return d.attemptLoop(ctx, cfg, op)
	}

	linkedCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		linkedCtx, timeoutCancel = context.WithTimeout(linkedCtx, cfg.Timeout)
		defer timeoutCancel()
	}

	result, err := d.attemptLoop(linkedCtx, cfg, op)

	if err != nil && cfg.Timeout > 0 && ctx.Err() == nil && errors.Is(linkedCtx.Err(), context.DeadlineExceeded) {
		// The timeout we armed on the linked source fired, as opposed to
		// caller-initiated cancellation on the outer context: surface a
		// distinguishable Timeout rather than Cancelled.
		return zero, &TimeoutError{Duration: cfg.Timeout}
	}
	return result, err
}

func (d *Driver[T]) attemptLoop(ctx context.Context, cfg Config, run func(context.Context) (T, error)) (T, error) {
	var zero T
	var previousDelay time.Duration

	var lastErr error
	var lastRetriableResult T
	haveRetriableResult := false

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := run(ctx)

		if err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}

			if !shouldRetryError(err, cfg.ErrorPredicate) {
				return zero, err
			}

			lastErr = err
			haveRetriableResult = false

			if attempt == cfg.MaxRetries {
				return zero, lastErr
			}
		} else {
			if cfg.ResultPredicate != nil && cfg.ResultPredicate(result) {
				lastRetriableResult = result
				haveRetriableResult = true
				lastErr = nil

				if attempt == cfg.MaxRetries {
					return lastRetriableResult, nil
				}
			} else {
				return result, nil
			}
		}

		nextAttempt := attempt + 1
		delay := d.clock.NextDelay(cfg.BaseDelay, orBase(previousDelay, cfg.BaseDelay), nextAttempt, cfg.maxDelayCap(), cfg.DisableJitter)
		previousDelay = delay

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	if haveRetriableResult {
		return lastRetriableResult, nil
	}
	return zero, lastErr
}

func orBase(previous, base time.Duration) time.Duration {
	if previous <= 0 {
		return base
	}
	return previous
}

// shouldRetryError applies spec.md §7's default short-circuit plus
// optional user override: CircuitOpen/BulkheadFull/Throttled are
// non-retriable by default but a user predicate may override them;
// Cancelled is never retried regardless of any predicate; a plain
// operation error defers entirely to the user predicate (or retries by
// default when none is set).
func shouldRetryError(err error, predicate func(error) bool) bool {
	if errors.Is(err, context.Canceled) {
		// Cancelled: never retry, whatever the predicate says.
		return false
	}
	if sc, ok := err.(ShortCircuit); ok {
		if !sc.RetryShortCircuit() {
			// Not overridable (Cancelled): never retry.
			return false
		}
		if predicate != nil {
			return predicate(err)
		}
		return false
	}
	if predicate != nil {
		return predicate(err)
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
