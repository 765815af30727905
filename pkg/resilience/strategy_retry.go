package resilience

import (
	"context"
	"errors"

	"github.com/grafana/resilience/pkg/retry"
)

// retryMiddleware wraps next in a retry.Driver built from cfg, per
// spec.md §4.7. A timeout tripped by cfg.Timeout surfaces from the
// driver as *retry.TimeoutError; it is converted here into the single
// public *resilience.TimeoutError so Timeout remains one distinguishable
// outcome regardless of which strategy armed it (spec.md §6/§7).
func retryMiddleware[T any](cfg retry.Config) middleware[T] {
	driver := retry.New[T](cfg)
	return func(next Operation[T]) Operation[T] {
		return func(ctx context.Context) (T, error) {
			result, err := driver.Run(ctx, retry.Operation[T](next))
			var timeoutErr *retry.TimeoutError
			if errors.As(err, &timeoutErr) {
				return result, &TimeoutError{Duration: timeoutErr.Duration}
			}
			return result, err
		}
	}
}
