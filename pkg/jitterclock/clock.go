// Package jitterclock provides a monotonic time source and the
// decorrelated-jitter delay calculation used by the retry driver.
//
// The clock never reads wall-clock time for delay math: every duration is
// derived from time.Since against a fixed process-start instant, so callers
// are immune to NTP steps and local clock adjustments.
package jitterclock

import (
	"math/rand/v2"
	"time"
)

// processStart anchors every monotonic reading returned by Now. Only the
// monotonic component of time.Time is consulted (via time.Since), so the
// wall-clock value itself is never observed.
var processStart = time.Now()

// Now returns nanoseconds elapsed since the clock was initialized, using
// the runtime's monotonic clock reading. It never goes backward.
func Now() int64 {
	return int64(time.Since(processStart))
}

// Clock computes decorrelated-jitter retry delays (AWS-style). The zero
// value is ready to use; Clock holds no mutable state of its own — jitter
// sampling uses the runtime's per-P math/rand/v2 source, which is safe for
// concurrent use without a lock.
type Clock struct{}

// NextDelay returns the delay to use before the next attempt.
//
//   - base is the minimum delay and must be > 0.
//   - previous is the delay used (or seeded) for the prior attempt.
//   - attempt is the 1-based index of the upcoming delay (the first retry
//     delay is attempt 1).
//   - maxDelayCap bounds the result from above.
//   - disableJitter switches to plain exponential backoff: base·2^(attempt-1).
//
// When jitter is enabled the delay is drawn uniformly from
// [base, min(previous*3, maxDelayCap)], matching the decorrelated-jitter
// recurrence: each sample depends on the previous delay, not the attempt
// count, so consecutive retries spread out rather than converging on a
// fixed exponential curve.
func (Clock) NextDelay(base, previous time.Duration, attempt int, maxDelayCap time.Duration, disableJitter bool) time.Duration {
	if base <= 0 {
		base = time.Millisecond
	}
	if maxDelayCap <= 0 {
		maxDelayCap = 30 * time.Second
	}

	if disableJitter {
		return expBackoff(base, attempt, maxDelayCap)
	}

	if previous < base {
		previous = base
	}

	upper := previous * 3
	if upper <= 0 || upper > maxDelayCap {
		// previous*3 overflowed int64 or exceeded the cap: clamp before
		// sampling so rand.Int64N never sees a non-positive or absurd range.
		upper = maxDelayCap
	}
	if upper <= base {
		return clamp(base, maxDelayCap)
	}

	span := int64(upper - base)
	delay := base + time.Duration(rand.Int64N(span+1))
	return clamp(delay, maxDelayCap)
}

func expBackoff(base time.Duration, attempt int, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Clamp the shift so 1<<shift never overflows; any attempt large enough
	// to hit the shift ceiling already long since saturated the cap.
	shift := attempt - 1
	if shift > 62 {
		return cap
	}
	d := base * time.Duration(int64(1)<<uint(shift))
	if d <= 0 { // overflow
		return cap
	}
	return clamp(d, cap)
}

func clamp(d, cap time.Duration) time.Duration {
	if d > cap {
		return cap
	}
	if d < 0 {
		return cap
	}
	return d
}
