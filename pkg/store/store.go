// Package store implements the concurrent, keyed state store backing
// every per-key strategy (breaker, bucket, bulkhead): a mutex-guarded map
// of string key to cell, with non-blocking try-lock LRU eviction and
// allocation-free eviction-candidate selection.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Cell is the minimum any state cell must support to live in a Store: a
// monotonic last-access timestamp for LRU ranking.
type Cell interface {
	LastAccess() int64
}

// Disposer is implemented by cells that own resources requiring explicit
// release on eviction or Clear (e.g. bulkhead.Cell's semaphore).
type Disposer interface {
	Dispose()
}

// Toucher is implemented by cells that track their own last-access time.
// GetOrCreate calls Touch on every lookup of an existing cell, per
// spec.md §4.6: "if present, update the entry's last_access_monotonic".
type Toucher interface {
	Touch()
}

// ConfigMismatchPolicy controls what Store.GetOrCreate does when an
// existing key's stored config differs from the config passed on a later
// call. spec.md §9 resolves this per cell kind: Bucket errors, Breaker and
// Semaphore reuse the first-writer config silently.
type ConfigMismatchPolicy int

const (
	// ReuseExisting silently keeps the first-writer config (Breaker,
	// Bulkhead).
	ReuseExisting ConfigMismatchPolicy = iota
	// ErrorOnMismatch rejects the call with ErrConfigMismatch (Bucket).
	ErrorOnMismatch
)

// ErrConfigMismatch is returned by GetOrCreate under ErrorOnMismatch when
// an existing key's config does not match the config passed in.
type ErrConfigMismatch struct {
	Key string
}

func (e *ErrConfigMismatch) Error() string {
	return "resilience: config change for existing key " + e.Key
}

// defaultMaxSize is used when a Store is constructed with maxSize<=0.
const defaultMaxSize = 4096

// evictionBatchDivisor controls the "+10%" headroom of spec.md §4.6: an
// eviction pass removes max(1, count-maxSize+maxSize/evictionBatchDivisor)
// entries so the store doesn't immediately re-trigger eviction on the very
// next insert.
const evictionBatchDivisor = 10

// Store is a concurrent map from string key to *S (S is always used as a
// pointer-shaped cell type by callers of this package).
type Store[S Cell] struct {
	maxSize int
	equal   func(existing, requested any) bool

	mu      sync.Mutex // guards the map
	cells   map[string]S
	evictMu int32 // 0=unlocked, 1=an eviction pass is running (try-lock via CAS)

	// evictBuf is a preallocated min-selection scratch buffer, sized to
	// the eviction batch of a pass triggered one entry past maxSize, so
	// that pass does not allocate. A larger batch (count pushed further
	// past maxSize by concurrent inserts) grows it once, and the grown
	// buffer is kept for later passes.
	evictBuf []evictCandidate

	logger log.Logger
}

func touch(cell any) {
	if t, ok := cell.(Toucher); ok {
		t.Touch()
	}
}

type evictCandidate struct {
	key        string
	lastAccess int64
}

// Option configures a Store at construction time.
type Option[S Cell] func(*Store[S])

// WithMaxSize sets the soft capacity that triggers LRU eviction once
// exceeded.
func WithMaxSize[S Cell](n int) Option[S] {
	return func(s *Store[S]) { s.maxSize = n }
}

// WithLogger attaches a structured logger for eviction-pass events.
// The default is a no-op logger; the core never logs on its own
// initiative unless the caller opts in.
func WithLogger[S Cell](l log.Logger) Option[S] {
	return func(s *Store[S]) { s.logger = l }
}

// New constructs an empty Store. maxSize defaults to defaultMaxSize.
func New[S Cell](opts ...Option[S]) *Store[S] {
	s := &Store[S]{
		maxSize: defaultMaxSize,
		cells:   make(map[string]S),
		logger:  log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxSize <= 0 {
		s.maxSize = defaultMaxSize
	}
	batch := evictionBatchSize(s.maxSize+1, s.maxSize)
	s.evictBuf = make([]evictCandidate, batch)
	return s
}

func evictionBatchSize(count, maxSize int) int {
	over := count - maxSize + maxSize/evictionBatchDivisor
	if over < 1 {
		over = 1
	}
	return over
}

// GetOrCreate returns the existing cell for key, or constructs one via
// create and installs it. If an existing cell's config does not match
// (sameConfig returns false) under ErrorOnMismatch, ErrConfigMismatch is
// returned and no insert happens.
//
// sameConfig reports whether the config implied by `probe` (a
// freshly-constructed cell the caller is prepared to discard) matches the
// config of an already-installed cell. Passing a probe rather than a raw
// config value keeps this package agnostic of each cell kind's Config
// type.
func (s *Store[S]) GetOrCreate(key string, create func() S, sameConfig func(existing, probe S) bool, policy ConfigMismatchPolicy) (S, error) {
	s.mu.Lock()
	if existing, ok := s.cells[key]; ok && policy != ErrorOnMismatch {
		s.mu.Unlock()
		touch(existing)
		return existing, nil
	}
	s.mu.Unlock()

	// Construct outside the lock: cell construction may be non-trivial
	// (e.g. allocating a semaphore) and must not block other keys.
	created := create()

	s.mu.Lock()
	existing, ok := s.cells[key]
	if ok {
		s.mu.Unlock()
		// Lost the race: another caller installed first. Per spec.md §5
		// "loser-of-race disposal", dispose of the cell we just built so
		// resources (e.g. semaphores) never leak.
		if d, ok := any(created).(Disposer); ok {
			d.Dispose()
		}
		touch(existing)
		if policy == ErrorOnMismatch && !sameConfig(existing, created) {
			return existing, &ErrConfigMismatch{Key: key}
		}
		return existing, nil
	}

	s.cells[key] = created
	count := len(s.cells)
	s.mu.Unlock()

	if count > s.maxSize {
		s.tryEvict()
	}

	return created, nil
}

// Remove deletes and disposes the cell for key, if present.
func (s *Store[S]) Remove(key string) {
	s.mu.Lock()
	cell, ok := s.cells[key]
	if ok {
		delete(s.cells, key)
	}
	s.mu.Unlock()

	if ok {
		if d, ok := any(cell).(Disposer); ok {
			d.Dispose()
		}
	}
}

// Clear disposes and removes every cell.
func (s *Store[S]) Clear() {
	s.mu.Lock()
	old := s.cells
	s.cells = make(map[string]S)
	s.mu.Unlock()

	for _, cell := range old {
		if d, ok := any(cell).(Disposer); ok {
			d.Dispose()
		}
	}
}

// Count returns the number of live cells.
func (s *Store[S]) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cells)
}

// tryEvict runs one non-blocking eviction pass. A contending caller that
// cannot acquire the try-lock simply returns; the next inserter that
// crosses maxSize will try again, so eviction is never skipped forever
// under sustained growth, and insertion never blocks on it.
func (s *Store[S]) tryEvict() {
	if !atomic.CompareAndSwapInt32(&s.evictMu, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&s.evictMu, 0)

	s.mu.Lock()
	count := len(s.cells)
	if count <= s.maxSize {
		s.mu.Unlock()
		return
	}
	batch := evictionBatchSize(count, s.maxSize)

	buf := s.evictBuf
	if cap(buf) < batch {
		buf = make([]evictCandidate, batch)
	}
	buf = buf[:0]

	// Bounded, allocation-free min-selection: keep the `batch` smallest
	// last-access timestamps seen so far in buf, insertion-sorted
	// ascending by lastAccess. buf never grows past `batch` entries.
	for key, cell := range s.cells {
		la := cell.LastAccess()
		insertCandidate(&buf, batch, key, la)
	}

	for _, c := range buf {
		if cell, ok := s.cells[c.key]; ok {
			delete(s.cells, c.key)
			if d, ok := any(cell).(Disposer); ok {
				d.Dispose()
			}
		}
	}
	evicted := len(buf)
	s.evictBuf = buf[:0]
	s.mu.Unlock()

	level.Debug(s.logger).Log("msg", "evicted keyed store entries", "count", evicted, "remaining", count-evicted)
}

// insertCandidate maintains buf (len<=limit) sorted ascending by
// lastAccess, keeping only the `limit` smallest entries seen.
func insertCandidate(buf *[]evictCandidate, limit int, key string, lastAccess int64) {
	b := *buf
	if len(b) < limit {
		// Insertion-sort into place.
		pos := len(b)
		b = append(b, evictCandidate{})
		for pos > 0 && b[pos-1].lastAccess > lastAccess {
			b[pos] = b[pos-1]
			pos--
		}
		b[pos] = evictCandidate{key: key, lastAccess: lastAccess}
		*buf = b
		return
	}

	// buf is full: only replace the current worst (largest lastAccess) if
	// this candidate is smaller.
	worst := len(b) - 1
	if lastAccess >= b[worst].lastAccess {
		return
	}
	pos := worst
	for pos > 0 && b[pos-1].lastAccess > lastAccess {
		b[pos] = b[pos-1]
		pos--
	}
	b[pos] = evictCandidate{key: key, lastAccess: lastAccess}
}
