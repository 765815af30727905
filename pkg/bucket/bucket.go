// Package bucket implements the per-key token bucket used by the
// rate-limit strategy: lock-free, fixed-point tokens refilled from a
// monotonic clock with bounded-spin CAS loops on both the refill and the
// consume path.
package bucket

import (
	"time"

	"go.uber.org/atomic"

	"github.com/grafana/resilience/pkg/jitterclock"
)

// unit is the fixed-point scale: tokens are stored in units of 1/1000 of
// a token. Refill adds whole tokens only; elapsed time short of a full
// refill interval carries forward through lastRefill instead.
const unit = 1000

// maxRefillRetries and maxConsumeRetries bound the CAS spin loops; after
// exhausting them the refill step is skipped for this call (the next
// caller retries it) and the consume step treats the bucket as throttled,
// matching spec.md §4.4's "bounds worst-case CPU under contention".
const (
	maxRefillRetries   = 8
	maxConsumeRetries  = 10
	maxTokenAddRetries = 8
)

// Config is the immutable per-key rate-limit configuration.
type Config struct {
	ServiceKey string
	MaxRate    int           // tokens per Window
	Window     time.Duration
	Burst      int           // bucket capacity in whole tokens
}

// RefillInterval is the derived tick at which one token is added:
// max(1ns, Window/MaxRate).
func (c Config) RefillInterval() time.Duration {
	if c.MaxRate <= 0 {
		return time.Nanosecond
	}
	iv := c.Window / time.Duration(c.MaxRate)
	if iv < 1 {
		return 1
	}
	return iv
}

type invalidConfigError string

func (e invalidConfigError) Error() string { return "invalid rate limit config: " + string(e) }

// Validate checks spec.md §6 construction invariants.
func (c Config) Validate() error {
	if c.ServiceKey == "" {
		return invalidConfigError("service key must not be empty")
	}
	if c.MaxRate < 1 {
		return invalidConfigError("max rate must be >= 1")
	}
	if c.Window <= 0 {
		return invalidConfigError("window must be positive")
	}
	if c.Burst < c.MaxRate {
		return invalidConfigError("burst must be >= max rate")
	}
	return nil
}

// Equivalent reports whether two configs for the same key are compatible
// enough to reuse an existing cell; a mismatch is an InvalidConfigChange
// at the store boundary (spec.md §4.6).
func (c Config) Equivalent(other Config) bool {
	return c.MaxRate == other.MaxRate && c.Window == other.Window && c.Burst == other.Burst
}

// State is the per-key token bucket cell.
type State struct {
	cfg Config

	tokens       atomic.Int64 // fixed-point, unit = 1/1000 token
	lastRefill   atomic.Int64 // monotonic ns
	lastAccess   atomic.Int64 // monotonic ns, for LRU eviction
	refillTicks  int64        // Window/MaxRate in ns, precomputed
}

// New constructs a bucket starting full (Burst tokens available), mirroring
// spec.md §6's default burst-equals-rate convention at the caller level.
func New(cfg Config) *State {
	s := &State{cfg: cfg, refillTicks: int64(cfg.RefillInterval())}
	s.tokens.Store(int64(cfg.Burst) * unit)
	now := jitterclock.Now()
	s.lastRefill.Store(now)
	s.lastAccess.Store(now)
	return s
}

// Config returns the cell's immutable configuration.
func (s *State) Config() Config { return s.cfg }

// LastAccess implements the store.Cell interface for LRU eviction.
func (s *State) LastAccess() int64 { return s.lastAccess.Load() }

func (s *State) touch() { s.lastAccess.Store(jitterclock.Now()) }

// Touch implements store.Toucher, refreshing the LRU timestamp on every
// Store.GetOrCreate lookup of an existing key.
func (s *State) Touch() { s.touch() }

// TryAcquire attempts to consume one token, refilling first. It returns
// true if a token was consumed.
func (s *State) TryAcquire() bool {
	s.touch()
	s.refill()
	return s.consume()
}

// refill adds tokens for every whole refillTicks interval elapsed since
// lastRefill, advancing lastRefill by exactly that many intervals (never
// snapping to "now", so unconsumed fractional time carries forward).
func (s *State) refill() {
	cap := int64(s.cfg.Burst) * unit

	for attempt := 0; attempt < maxRefillRetries; attempt++ {
		last := s.lastRefill.Load()
		now := jitterclock.Now()
		elapsed := now - last
		if elapsed < s.refillTicks {
			return
		}
		intervals := elapsed / s.refillTicks
		newLast := last + intervals*s.refillTicks

		if !s.lastRefill.CompareAndSwap(last, newLast) {
			continue // another goroutine refilled concurrently; re-read and retry
		}

		for addAttempt := 0; addAttempt < maxTokenAddRetries; addAttempt++ {
			cur := s.tokens.Load()
			added := cur + intervals*unit
			if added > cap {
				added = cap
			}
			if s.tokens.CompareAndSwap(cur, added) {
				return
			}
		}
		// Bounded spin exhausted on the token-add side: lastRefill has
		// already advanced, so the next caller's refill simply adds the
		// next interval's worth instead of this one.
		return
	}
	// Retries exhausted under contention: skip this refill, the next
	// caller's refill will cover the elapsed time since lastRefill.
}

// consume attempts to deduct one token's worth of fixed-point units.
func (s *State) consume() bool {
	for attempt := 0; attempt < maxConsumeRetries; attempt++ {
		cur := s.tokens.Load()
		if cur < unit {
			return false
		}
		if s.tokens.CompareAndSwap(cur, cur-unit) {
			return true
		}
	}
	// Bounded spin exhausted: degrade to throttled rather than spin
	// forever, per spec.md §5 "bounded spin ... degrades to a
	// conservative outcome".
	return false
}

// Tokens returns the current whole-token count, for observability only.
func (s *State) Tokens() int {
	return int(s.tokens.Load() / unit)
}

// Dispose is a no-op: bucket cells own no OS resources.
func (s *State) Dispose() {}
