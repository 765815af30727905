package resilience

import (
	"context"
	"time"

	"github.com/grafana/resilience/pkg/breaker"
	"github.com/grafana/resilience/pkg/bucket"
	"github.com/grafana/resilience/pkg/bulkhead"
	"github.com/grafana/resilience/pkg/retry"
)

// Operation is the caller-supplied unit of work a Pipeline wraps.
type Operation[T any] func(ctx context.Context) (T, error)

// middleware wraps an Operation with one strategy's behavior.
type middleware[T any] func(next Operation[T]) Operation[T]

// Pipeline composes the configured strategies around an Operation in the
// fixed outer-to-inner order: Fallback, Retry, Timeout, Breaker, Bulkhead,
// RateLimit, then the caller's operation. Any subset of strategies may be
// omitted; omitted strategies are simply absent middleware.
type Pipeline[T any] struct {
	build func(op Operation[T]) Operation[T]
}

type pipelineConfig struct {
	retry    *retry.Config
	timeout  time.Duration
	breaker  *breaker.Config
	bulkhead *bulkhead.Config
	rate     *bucket.Config
	fallback func(ctx context.Context, err error) (any, bool)
	registry *Registry
}

// Option configures a Pipeline at construction time.
type Option[T any] func(*pipelineConfig)

// WithRetry enables the Retry strategy (C7) around the rest of the
// pipeline.
func WithRetry[T any](cfg retry.Config) Option[T] {
	return func(c *pipelineConfig) { c.retry = &cfg }
}

// WithTimeout enables a bare per-call Timeout strategy. If WithRetry is
// also set, prefer retry.Config.Timeout instead; WithTimeout is for
// pipelines with no retry layer.
func WithTimeout[T any](d time.Duration) Option[T] {
	return func(c *pipelineConfig) { c.timeout = d }
}

// WithBreaker enables the circuit Breaker strategy (C3) for the given
// key.
func WithBreaker[T any](cfg breaker.Config) Option[T] {
	return func(c *pipelineConfig) { c.breaker = &cfg }
}

// WithBulkhead enables the Bulkhead strategy (C5) for the given resource
// key.
func WithBulkhead[T any](cfg bulkhead.Config) Option[T] {
	return func(c *pipelineConfig) { c.bulkhead = &cfg }
}

// WithRateLimit enables the token-bucket RateLimit strategy (C4) for the
// given service key.
func WithRateLimit[T any](cfg bucket.Config) Option[T] {
	return func(c *pipelineConfig) { c.rate = &cfg }
}

// WithFallback enables the Fallback strategy: on a final (post-retry)
// error, fallback is invoked with that error and may substitute a
// successful result. Returning ok=false propagates the original error
// unchanged.
func WithFallback[T any](fallback func(ctx context.Context, err error) (T, bool)) Option[T] {
	return func(c *pipelineConfig) {
		c.fallback = func(ctx context.Context, err error) (any, bool) {
			return fallback(ctx, err)
		}
	}
}

// WithRegistry attaches the Registry whose stores back Breaker, Bulkhead
// and RateLimit state. When omitted, DefaultRegistry() is used.
func WithRegistry[T any](r *Registry) Option[T] {
	return func(c *pipelineConfig) { c.registry = r }
}

// NewPipeline validates every configured strategy's config eagerly and
// builds the middleware chain. Construction fails fast on the first
// invalid config (InvalidConfigError), matching spec.md §6's
// construction-time validation requirement.
func NewPipeline[T any](opts ...Option[T]) (*Pipeline[T], error) {
	cfg := pipelineConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.registry == nil {
		cfg.registry = DefaultRegistry()
	}

	if cfg.retry != nil {
		if err := cfg.retry.Validate(); err != nil {
			return nil, &InvalidConfigError{Reason: err.Error()}
		}
	}
	if cfg.timeout < 0 {
		return nil, &InvalidConfigError{Reason: "timeout must be >= 0"}
	}
	if cfg.breaker != nil {
		if err := cfg.breaker.Validate(); err != nil {
			return nil, &InvalidConfigError{Reason: err.Error()}
		}
	}
	if cfg.bulkhead != nil {
		if err := cfg.bulkhead.Validate(); err != nil {
			return nil, &InvalidConfigError{Reason: err.Error()}
		}
	}
	if cfg.rate != nil {
		if err := cfg.rate.Validate(); err != nil {
			return nil, &InvalidConfigError{Reason: err.Error()}
		}
	}

	// Middlewares are appended innermost-first (RateLimit nearest op,
	// Fallback last) and wrapped forward in that order in build below, so
	// the resulting call order, outer to inner, is:
	// Fallback -> Retry -> Timeout -> Breaker -> Bulkhead -> RateLimit -> op.
	var chain []middleware[T]
	if cfg.rate != nil {
		chain = append(chain, rateLimitMiddleware[T](cfg.registry, *cfg.rate))
	}
	if cfg.bulkhead != nil {
		chain = append(chain, bulkheadMiddleware[T](cfg.registry, *cfg.bulkhead))
	}
	if cfg.breaker != nil {
		chain = append(chain, breakerMiddleware[T](cfg.registry, *cfg.breaker))
	}
	if cfg.timeout > 0 {
		chain = append(chain, timeoutMiddleware[T](cfg.timeout))
	}
	if cfg.retry != nil {
		chain = append(chain, retryMiddleware[T](*cfg.retry))
	}
	if cfg.fallback != nil {
		chain = append(chain, fallbackMiddleware[T](cfg.fallback))
	}

	build := func(op Operation[T]) Operation[T] {
		// chain is ordered innermost-first (RateLimit nearest op, Fallback
		// last): wrapping forward in that order makes Fallback the
		// outermost call and RateLimit the innermost, per the documented
		// Fallback -> Retry -> Timeout -> Breaker -> Bulkhead -> RateLimit
		// -> op call order.
		wrapped := op
		for _, m := range chain {
			wrapped = m(wrapped)
		}
		return wrapped
	}

	return &Pipeline[T]{build: build}, nil
}

// Run executes op through the configured strategy chain.
func (p *Pipeline[T]) Run(ctx context.Context, op Operation[T]) (T, error) {
	return p.build(op)(ctx)
}
