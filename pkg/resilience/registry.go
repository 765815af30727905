package resilience

import (
	"sync"

	"github.com/go-kit/log"

	"github.com/grafana/resilience/pkg/breaker"
	"github.com/grafana/resilience/pkg/bucket"
	"github.com/grafana/resilience/pkg/bulkhead"
	"github.com/grafana/resilience/pkg/store"
)

// Registry owns the three keyed stores (C6) that back per-key strategy
// state: one per cell kind, so a breaker and a bulkhead sharing a key
// string never collide.
type Registry struct {
	breakers  *store.Store[*breaker.State]
	buckets   *store.Store[*bucket.State]
	bulkheads *store.Store[*bulkhead.Cell]
}

// RegistryOption configures a Registry at construction time.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	maxSize int
	logger  log.Logger
}

// WithMaxSize sets the soft per-store capacity that triggers LRU
// eviction once exceeded, applied uniformly to all three stores.
func WithMaxSize(n int) RegistryOption {
	return func(c *registryConfig) { c.maxSize = n }
}

// WithLogger attaches a structured logger used for eviction events
// across all three stores.
func WithLogger(l log.Logger) RegistryOption {
	return func(c *registryConfig) { c.logger = l }
}

// NewRegistry constructs an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	cfg := registryConfig{logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}

	var breakerOpts []store.Option[*breaker.State]
	var bucketOpts []store.Option[*bucket.State]
	var bulkheadOpts []store.Option[*bulkhead.Cell]
	if cfg.maxSize > 0 {
		breakerOpts = append(breakerOpts, store.WithMaxSize[*breaker.State](cfg.maxSize))
		bucketOpts = append(bucketOpts, store.WithMaxSize[*bucket.State](cfg.maxSize))
		bulkheadOpts = append(bulkheadOpts, store.WithMaxSize[*bulkhead.Cell](cfg.maxSize))
	}
	breakerOpts = append(breakerOpts, store.WithLogger[*breaker.State](cfg.logger))
	bucketOpts = append(bucketOpts, store.WithLogger[*bucket.State](cfg.logger))
	bulkheadOpts = append(bulkheadOpts, store.WithLogger[*bulkhead.Cell](cfg.logger))

	return &Registry{
		breakers:  store.New(breakerOpts...),
		buckets:   store.New(bucketOpts...),
		bulkheads: store.New(bulkheadOpts...),
	}
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry
)

// DefaultRegistry returns a lazily-initialized process-wide Registry, for
// callers that don't need isolated state (e.g. simple CLIs or tests that
// don't care about cross-test leakage).
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() { defaultRegistry = NewRegistry() })
	return defaultRegistry
}

func (r *Registry) breakerFor(cfg breaker.Config) (*breaker.State, error) {
	created, err := r.breakers.GetOrCreate(
		cfg.ServiceKey,
		func() *breaker.State { return breaker.New(cfg) },
		func(existing, probe *breaker.State) bool { return existing.Config().Equivalent(probe.Config()) },
		store.ReuseExisting,
	)
	return created, err
}

func (r *Registry) bucketFor(cfg bucket.Config) (*bucket.State, error) {
	created, err := r.buckets.GetOrCreate(
		cfg.ServiceKey,
		func() *bucket.State { return bucket.New(cfg) },
		func(existing, probe *bucket.State) bool { return existing.Config().Equivalent(probe.Config()) },
		store.ErrorOnMismatch,
	)
	if err != nil {
		return created, &InvalidConfigChangeError{ServiceKey: cfg.ServiceKey}
	}
	return created, nil
}

func (r *Registry) bulkheadFor(cfg bulkhead.Config) (*bulkhead.Cell, error) {
	created, err := r.bulkheads.GetOrCreate(
		cfg.ResourceKey,
		func() *bulkhead.Cell { return bulkhead.New(cfg) },
		func(existing, probe *bulkhead.Cell) bool { return existing.Config().Equivalent(probe.Config()) },
		store.ReuseExisting,
	)
	return created, err
}

// Clear disposes and removes every cell across all three stores. Intended
// for test isolation, not production use.
func (r *Registry) Clear() {
	r.breakers.Clear()
	r.buckets.Clear()
	r.bulkheads.Clear()
}
