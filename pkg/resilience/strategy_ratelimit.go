package resilience

import (
	"context"

	"github.com/grafana/resilience/pkg/bucket"
)

// rateLimitMiddleware gates next behind the per-key token bucket
// identified by cfg.ServiceKey, per spec.md §4.4. A denied acquire
// short-circuits with ThrottledError without ever calling next.
func rateLimitMiddleware[T any](r *Registry, cfg bucket.Config) middleware[T] {
	return func(next Operation[T]) Operation[T] {
		return func(ctx context.Context) (T, error) {
			var zero T
			state, err := r.bucketFor(cfg)
			if err != nil {
				return zero, err
			}

			if !state.TryAcquire() {
				return zero, &ThrottledError{ServiceKey: cfg.ServiceKey, Rate: cfg.MaxRate, Window: cfg.Window}
			}
			return next(ctx)
		}
	}
}
