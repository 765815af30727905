// Package ring implements a fixed-capacity sliding window with a seqlock
// read path: writers serialize through a lock, while CountWhere reads
// optimistically without it — it detects a concurrent write via a version
// counter and retries, taking the writer lock only after a bounded number
// of failed tries.
package ring

import (
	"sync"

	"go.uber.org/atomic"
)

// maxSeqlockRetries bounds the optimistic read path before falling back to
// the writer lock. No CAS or version-poll loop in this package may spin
// unboundedly.
const maxSeqlockRetries = 5

// Buffer is a fixed-capacity ring of T, written one slot at a time and
// read via a seqlock snapshot. The zero value is not usable; construct
// with New.
type Buffer[T any] struct {
	mu sync.Mutex // serializes writers and backstops readers after maxSeqlockRetries

	slots []T // capacity N, index = writeIndex % N

	writeIndex atomic.Int64 // total writes ever made, monotonic
	version    atomic.Int64 // seqlock: even = stable, odd = write in progress
}

// New constructs a Buffer with the given fixed capacity. Capacity must be
// at least 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{slots: make([]T, capacity)}
}

// Cap returns the fixed capacity N.
func (b *Buffer[T]) Cap() int {
	return len(b.slots)
}

// Add appends an item, evicting the oldest entry once the buffer is full.
func (b *Buffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.version.Add(1) // -> odd: write in progress
	idx := int(b.writeIndex.Load() % int64(len(b.slots)))
	b.slots[idx] = item
	b.writeIndex.Add(1)
	b.version.Add(1) // -> even: stable
}

// Count returns min(writes, N).
func (b *Buffer[T]) Count() int {
	n := b.writeIndex.Load()
	if n > int64(len(b.slots)) {
		return len(b.slots)
	}
	return int(n)
}

// CountWhere returns the number of elements in the current window matching
// pred, as of some consistent instant during the call (never a blend that
// double-counts or skips a slot mid-write).
func (b *Buffer[T]) CountWhere(pred func(T) bool) int {
	for attempt := 0; attempt < maxSeqlockRetries; attempt++ {
		v1 := b.version.Load()
		if v1&1 == 1 {
			continue // writer in flight, retry without counting
		}

		writeIdx := b.writeIndex.Load()
		count := int(writeIdx)
		if count > len(b.slots) {
			count = len(b.slots)
		}
		matches := b.scan(count, writeIdx, pred)

		if b.version.Load() == v1 {
			return matches
		}
		// version moved: a write landed mid-scan, discard and retry
	}

	// Bounded retries exhausted under heavy write contention: fall back to
	// the writer lock for a guaranteed-consistent read.
	b.mu.Lock()
	defer b.mu.Unlock()
	writeIdx := b.writeIndex.Load()
	count := int(writeIdx)
	if count > len(b.slots) {
		count = len(b.slots)
	}
	return b.scan(count, writeIdx, pred)
}

// scan walks the logical window of `count` most-recent writes ending at
// writeIdx (exclusive), oldest first.
func (b *Buffer[T]) scan(count int, writeIdx int64, pred func(T) bool) int {
	n := len(b.slots)
	start := writeIdx - int64(count)
	matches := 0
	for i := start; i < writeIdx; i++ {
		idx := int(((i % int64(n)) + int64(n)) % int64(n))
		if pred(b.slots[idx]) {
			matches++
		}
	}
	return matches
}

// Reset clears the buffer back to empty.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.version.Add(1)
	var zero T
	for i := range b.slots {
		b.slots[i] = zero
	}
	b.writeIndex.Store(0)
	b.version.Add(1)
}
