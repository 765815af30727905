package resilience

import (
	"context"

	"github.com/grafana/resilience/pkg/bulkhead"
)

// bulkheadMiddleware gates concurrent execution of next to
// cfg.MaxConcurrency, per spec.md §4.5. A failed acquire short-circuits
// with BulkheadFullError; the permit is always released on every exit
// path from next, including panics propagated past next (the deferred
// release still runs).
func bulkheadMiddleware[T any](r *Registry, cfg bulkhead.Config) middleware[T] {
	return func(next Operation[T]) Operation[T] {
		return func(ctx context.Context) (T, error) {
			var zero T
			cell, err := r.bulkheadFor(cfg)
			if err != nil {
				return zero, err
			}

			release, ok := cell.Enter(ctx)
			if !ok {
				return zero, &BulkheadFullError{ResourceKey: cfg.ResourceKey, MaxConcurrency: cfg.MaxConcurrency}
			}
			defer release()

			return next(ctx)
		}
	}
}
