// Package breaker implements the per-key circuit breaker state machine:
// closed/open/half-open with an atomic, CAS-enforced single-prober
// half-open transition and a lock-free sliding window of recent outcomes.
package breaker

import (
	"time"

	"go.uber.org/atomic"

	"github.com/grafana/resilience/pkg/jitterclock"
	"github.com/grafana/resilience/pkg/ring"
)

// Phase is the breaker's current state.
type Phase int32

const (
	Closed Phase = iota
	Open
	HalfOpen
)

func (p Phase) String() string {
	switch p {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config is the immutable breaker configuration for one key.
type Config struct {
	ServiceKey       string
	FailureThreshold int
	SamplingWindow   int
	HalfOpenDelay    time.Duration
}

// Validate checks the invariants from spec.md §3/§6: non-empty key,
// positive threshold, window at least as large as the threshold, and a
// positive half-open delay.
func (c Config) Validate() error {
	if c.ServiceKey == "" {
		return errInvalidConfig("service key must not be empty")
	}
	if c.FailureThreshold <= 0 {
		return errInvalidConfig("failure threshold must be positive")
	}
	if c.SamplingWindow < c.FailureThreshold {
		return errInvalidConfig("sampling window must be >= failure threshold")
	}
	if c.HalfOpenDelay <= 0 {
		return errInvalidConfig("half-open delay must be positive")
	}
	return nil
}

// invalidConfigError is a tiny local error type so this package has no
// import-cycle dependency on the resilience package's taxonomy; the
// resilience package wraps it into resilience.InvalidConfigError at the
// strategy boundary.
type invalidConfigError string

func (e invalidConfigError) Error() string { return "invalid breaker config: " + string(e) }

func errInvalidConfig(msg string) error { return invalidConfigError(msg) }

// Equivalent reports whether two configs for the same key are compatible
// enough to reuse the existing cell. Per spec.md §9's resolved Open
// Question, Breaker (like Bulkhead) silently reuses the first-writer
// config rather than erroring.
func (c Config) Equivalent(other Config) bool {
	return c.FailureThreshold == other.FailureThreshold &&
		c.SamplingWindow == other.SamplingWindow &&
		c.HalfOpenDelay == other.HalfOpenDelay
}

// State is the per-key breaker cell owned by a store.Store.
type State struct {
	cfg Config

	phase       atomic.Int32 // Phase
	openedAt    atomic.Int64 // monotonic ns, valid when phase==Open or HalfOpen
	lastAccess  atomic.Int64 // monotonic ns, for LRU eviction
	window      *ring.Buffer[bool]
	probing     atomic.Bool // true while the single half-open probe is in flight
	clock       jitterclock.Clock
}

// New constructs a breaker cell in the Closed phase.
func New(cfg Config) *State {
	s := &State{
		cfg:    cfg,
		window: ring.New[bool](cfg.SamplingWindow),
	}
	s.lastAccess.Store(jitterclock.Now())
	return s
}

// Config returns the cell's immutable configuration.
func (s *State) Config() Config { return s.cfg }

// Phase returns the current phase.
func (s *State) Phase() Phase { return Phase(s.phase.Load()) }

// LastAccess implements the store.Cell interface for LRU eviction.
func (s *State) LastAccess() int64 { return s.lastAccess.Load() }

func (s *State) touch() { s.lastAccess.Store(jitterclock.Now()) }

// Touch implements store.Toucher: it refreshes the LRU timestamp without
// otherwise affecting breaker state, called by Store.GetOrCreate on every
// lookup of an existing key.
func (s *State) Touch() { s.touch() }

// Decision is what the caller should do next.
type Decision int

const (
	// Proceed means the operation may run.
	Proceed Decision = iota
	// Reject means the breaker is open; the operation must not run.
	Reject
)

// Admit decides whether a call may proceed, implementing the Closed/Open
// CAS-to-HalfOpen transition of spec.md §4.3. Exactly one caller wins the
// Open->HalfOpen transition for a given opened_at generation and receives
// Proceed with isProbe=true; every other caller observing Open or a
// not-yet-won HalfOpen gets Reject.
func (s *State) Admit() (decision Decision, isProbe bool) {
	s.touch()

	switch s.Phase() {
	case Closed:
		return Proceed, false

	case Open:
		now := jitterclock.Now()
		openedAt := s.openedAt.Load()
		if now-openedAt < int64(s.cfg.HalfOpenDelay) {
			return Reject, false
		}
		// Half-open delay elapsed: exactly one caller wins the CAS.
		if s.phase.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			s.probing.Store(true)
			return Proceed, true
		}
		return Reject, false

	case HalfOpen:
		// Only the winner of the CAS above ever reaches Proceed; every
		// other concurrent caller rejects without a second CAS attempt,
		// preserving "at most one in-flight probe" (I3/P2).
		return Reject, false

	default:
		return Reject, false
	}
}

// RecordSuccess records a successful attempt outcome.
func (s *State) RecordSuccess() {
	s.touch()
	switch s.Phase() {
	case HalfOpen:
		s.window.Reset()
		s.probing.Store(false)
		s.phase.Store(int32(Closed))
	case Closed:
		s.window.Add(true)
	default:
		// A success landing while Open (a stale in-flight call that
		// started before the breaker tripped) is ignored: it is not added
		// to the window and does not close the breaker; only the probe
		// does that.
	}
}

// RecordFailure records a failed attempt outcome and may trip the breaker.
func (s *State) RecordFailure() {
	s.touch()
	switch s.Phase() {
	case HalfOpen:
		s.trip()
	case Closed:
		s.window.Add(false)
		failures := s.window.CountWhere(func(ok bool) bool { return !ok })
		if failures >= s.cfg.FailureThreshold && s.window.Count() >= s.cfg.SamplingWindow {
			s.trip()
		}
	default:
	}
}

func (s *State) trip() {
	s.openedAt.Store(jitterclock.Now())
	s.probing.Store(false)
	s.phase.Store(int32(Open))
}

// Dispose is a no-op: breaker cells own no OS resources. It exists so
// State satisfies an optional Disposer interface uniformly with other
// keyed cells.
func (s *State) Dispose() {}
