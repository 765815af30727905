// Package bulkhead implements the per-key bounded-concurrency gate backing
// the Bulkhead strategy: a weighted semaphore (golang.org/x/sync/semaphore)
// sized to max_concurrency, with idempotent disposal and a guaranteed
// release on every acquire/release pair.
package bulkhead

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/grafana/resilience/pkg/jitterclock"
)

// Config is the immutable per-key bulkhead configuration.
type Config struct {
	ResourceKey    string
	MaxConcurrency int

	// QueueDepth is the maximum time a caller will wait in line for a
	// permit once all MaxConcurrency slots are held; zero disables
	// queueing entirely (every acquire is an immediate TryEnter). This is
	// the Go realization of spec.md §4.5/§6's "queue_depth" config
	// attribute, expressed as a wait duration rather than a position
	// count, matching the "no queue-position state" rejection semantics
	// of BulkheadFull.
	QueueDepth time.Duration
}

type invalidConfigError string

func (e invalidConfigError) Error() string { return "invalid bulkhead config: " + string(e) }

// Validate checks spec.md §6 construction invariants.
func (c Config) Validate() error {
	if c.ResourceKey == "" {
		return invalidConfigError("resource key must not be empty")
	}
	if c.MaxConcurrency < 1 {
		return invalidConfigError("max concurrency must be >= 1")
	}
	if c.QueueDepth < 0 {
		return invalidConfigError("queue depth must be >= 0")
	}
	return nil
}

// Equivalent reports whether two configs for the same key are compatible
// enough to reuse the existing cell. Per spec.md §9's resolved Open
// Question, Bulkhead (like Breaker) silently reuses the first-writer
// config rather than erroring.
func (c Config) Equivalent(other Config) bool {
	return c.MaxConcurrency == other.MaxConcurrency
}

// Cell is the per-key bulkhead gate.
type Cell struct {
	cfg Config

	sem      *semaphore.Weighted
	active   atomic.Int32
	disposed atomic.Bool

	lastAccess atomic.Int64
}

// New constructs a bulkhead cell with MaxConcurrency permits.
func New(cfg Config) *Cell {
	c := &Cell{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
	}
	c.lastAccess.Store(jitterclock.Now())
	return c
}

// Config returns the cell's immutable configuration.
func (c *Cell) Config() Config { return c.cfg }

// LastAccess implements the store.Cell interface for LRU eviction.
func (c *Cell) LastAccess() int64 { return c.lastAccess.Load() }

func (c *Cell) touch() { c.lastAccess.Store(jitterclock.Now()) }

// Touch implements store.Toucher, refreshing the LRU timestamp on every
// Store.GetOrCreate lookup of an existing key.
func (c *Cell) Touch() { c.touch() }

// ActiveCount returns the number of currently held permits, for
// observability only.
func (c *Cell) ActiveCount() int32 { return c.active.Load() }

// TryEnter attempts an immediate, non-blocking acquire.
func (c *Cell) TryEnter() (release func(), ok bool) {
	c.touch()
	if c.disposed.Load() {
		return nil, false
	}
	if !c.sem.TryAcquire(1) {
		return nil, false
	}
	c.active.Add(1)
	return c.release, true
}

// TryEnterTimed waits up to d for a permit. QueueDepth==0 forces d to zero
// (an immediate, non-blocking attempt), per spec.md §4.5.
func (c *Cell) TryEnterTimed(ctx context.Context, d time.Duration) (release func(), ok bool) {
	c.touch()
	if c.disposed.Load() {
		return nil, false
	}
	if c.cfg.QueueDepth == 0 || d <= 0 {
		return c.TryEnter()
	}

	waitCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	if err := c.sem.Acquire(waitCtx, 1); err != nil {
		return nil, false
	}
	if c.disposed.Load() {
		// Lost the race with Dispose between acquiring the permit and
		// observing disposal: release immediately and fail cleanly (I8).
		c.sem.Release(1)
		return nil, false
	}
	c.active.Add(1)
	return c.release, true
}

// Enter acquires a permit using the cell's configured QueueDepth as the
// wait bound. This is the method the Bulkhead pipeline strategy calls.
func (c *Cell) Enter(ctx context.Context) (release func(), ok bool) {
	return c.TryEnterTimed(ctx, c.cfg.QueueDepth)
}

func (c *Cell) release() {
	c.active.Add(-1)
	c.sem.Release(1)
}

// Dispose marks the cell disposed; it is idempotent (P10). Subsequent
// acquire attempts fail deterministically without panicking.
func (c *Cell) Dispose() {
	c.disposed.Store(true)
}
