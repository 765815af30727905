package resilience

import (
	"context"
	"errors"
	"time"
)

// timeoutMiddleware bounds next's execution to d, surfacing a
// distinguishable TimeoutError rather than the raw context.DeadlineExceeded,
// per spec.md §4.2.
func timeoutMiddleware[T any](d time.Duration) middleware[T] {
	return func(next Operation[T]) Operation[T] {
		return func(ctx context.Context) (T, error) {
			var zero T
			timeoutCtx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			result, err := next(timeoutCtx)
			if err != nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
				return zero, &TimeoutError{Duration: d}
			}
			return result, err
		}
	}
}
