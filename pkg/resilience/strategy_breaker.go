package resilience

import (
	"context"

	"github.com/grafana/resilience/pkg/breaker"
)

// breakerMiddleware gates next through the per-key circuit breaker
// identified by cfg.ServiceKey, per spec.md §4.3. A rejected admission
// short-circuits with CircuitOpenError without ever calling next; every
// admitted call (probe or not) records its outcome back into the breaker,
// except a cancelled call, which records nothing.
func breakerMiddleware[T any](r *Registry, cfg breaker.Config) middleware[T] {
	return func(next Operation[T]) Operation[T] {
		return func(ctx context.Context) (T, error) {
			var zero T
			state, err := r.breakerFor(cfg)
			if err != nil {
				return zero, err
			}

			decision, _ := state.Admit()
			if decision == breaker.Reject {
				return zero, &CircuitOpenError{ServiceKey: cfg.ServiceKey}
			}

			result, err := next(ctx)
			if err != nil {
				if !IsCancelled(err) {
					state.RecordFailure()
				}
				return zero, err
			}
			state.RecordSuccess()
			return result, nil
		}
	}
}
