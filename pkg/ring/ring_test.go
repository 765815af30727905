package ring

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountBelowCapacity(t *testing.T) {
	b := New[bool](5)
	b.Add(true)
	b.Add(false)
	require.Equal(t, 2, b.Count())
}

func TestCountSaturatesAtCapacity(t *testing.T) {
	b := New[bool](3)
	for i := 0; i < 10; i++ {
		b.Add(i%2 == 0)
	}
	require.Equal(t, 3, b.Count())
}

func TestRingSemanticsNewestDominate(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Add(i)
	}
	// window should now hold {3,4,5}
	got := b.CountWhere(func(v int) bool { return v >= 3 })
	require.Equal(t, 3, got)
	got = b.CountWhere(func(v int) bool { return v < 3 })
	require.Equal(t, 0, got)
}

func TestCountWhereMatchesTrueFalse(t *testing.T) {
	b := New[bool](4)
	b.Add(true)
	b.Add(true)
	b.Add(false)
	b.Add(true)

	require.Equal(t, 3, b.CountWhere(func(v bool) bool { return v }))
	require.Equal(t, 1, b.CountWhere(func(v bool) bool { return !v }))
}

func TestReset(t *testing.T) {
	b := New[bool](4)
	b.Add(true)
	b.Add(true)
	b.Reset()
	require.Equal(t, 0, b.Count())
	require.Equal(t, 0, b.CountWhere(func(bool) bool { return true }))
}

// TestConcurrentReadersNeverDoubleCountOrSkip exercises the seqlock read
// path under concurrent writers: every CountWhere result must be between 0
// and the buffer's capacity, and must never exceed the true population of
// true values that could possibly coexist in the window (capacity).
func TestConcurrentReadersNeverDoubleCountOrSkip(t *testing.T) {
	b := New[bool](8)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r := rand.New(rand.NewSource(1))
		for {
			select {
			case <-stop:
				return
			default:
				b.Add(r.Intn(2) == 0)
			}
		}
	}()

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 2000; j++ {
				trues := b.CountWhere(func(v bool) bool { return v })
				falses := b.CountWhere(func(v bool) bool { return !v })
				require.LessOrEqual(t, trues, b.Cap())
				require.LessOrEqual(t, falses, b.Cap())
			}
		}()
	}

	wg.Wait()
	close(stop)
}

func BenchmarkCountWhere(b *testing.B) {
	buf := New[bool](64)
	for i := 0; i < 64; i++ {
		buf.Add(i%3 == 0)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.CountWhere(func(v bool) bool { return v })
	}
}
