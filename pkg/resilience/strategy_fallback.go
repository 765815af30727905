package resilience

import "context"

// fallbackMiddleware is the outermost strategy: when next returns an
// error, fallback is given a chance to substitute a successful result,
// per spec.md §4.8. Cancellation is never overridden by a fallback, so
// fallback is not invoked when the error represents caller-initiated
// cancellation.
func fallbackMiddleware[T any](fallback func(ctx context.Context, err error) (any, bool)) middleware[T] {
	return func(next Operation[T]) Operation[T] {
		return func(ctx context.Context) (T, error) {
			result, err := next(ctx)
			if err == nil {
				return result, nil
			}
			if IsCancelled(err) {
				return result, err
			}

			substitute, ok := fallback(ctx, err)
			if !ok {
				return result, err
			}
			return substitute.(T), nil
		}
	}
}
