package bucket

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	ok := Config{ServiceKey: "k", MaxRate: 5, Window: time.Second, Burst: 5}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.ServiceKey = ""
	require.Error(t, bad.Validate())

	bad = ok
	bad.MaxRate = 0
	require.Error(t, bad.Validate())

	bad = ok
	bad.Window = 0
	require.Error(t, bad.Validate())

	bad = ok
	bad.Burst = 1
	require.Error(t, bad.Validate())
}

func TestExhaustionAndRefill(t *testing.T) {
	s := New(Config{ServiceKey: "k", MaxRate: 5, Window: time.Second, Burst: 5})

	allowed := 0
	for i := 0; i < 10; i++ {
		if s.TryAcquire() {
			allowed++
		}
	}
	require.Equal(t, 5, allowed)

	time.Sleep(1100 * time.Millisecond)

	allowed = 0
	for i := 0; i < 5; i++ {
		if s.TryAcquire() {
			allowed++
		}
	}
	require.Equal(t, 5, allowed)
}

func TestTokensNeverExceedBurst(t *testing.T) {
	s := New(Config{ServiceKey: "k", MaxRate: 2, Window: time.Second, Burst: 2})
	time.Sleep(2 * time.Second)
	s.refill()
	require.LessOrEqual(t, s.Tokens(), 2)
}

func TestIndependentKeysDoNotShareState(t *testing.T) {
	a := New(Config{ServiceKey: "a", MaxRate: 1, Window: time.Second, Burst: 1})
	b := New(Config{ServiceKey: "b", MaxRate: 1, Window: time.Second, Burst: 1})

	require.True(t, a.TryAcquire())
	require.False(t, a.TryAcquire())
	require.True(t, b.TryAcquire())
}

func TestConcurrentAcquireNeverExceedsBurst(t *testing.T) {
	s := New(Config{ServiceKey: "k", MaxRate: 10, Window: time.Second, Burst: 10})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryAcquire() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, allowed)
}
