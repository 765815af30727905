package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func cfg() Config {
	return Config{
		ServiceKey:       "p",
		FailureThreshold: 3,
		SamplingWindow:   3,
		HalfOpenDelay:    50 * time.Millisecond,
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, cfg().Validate())

	bad := cfg()
	bad.ServiceKey = ""
	require.Error(t, bad.Validate())

	bad = cfg()
	bad.FailureThreshold = 0
	require.Error(t, bad.Validate())

	bad = cfg()
	bad.SamplingWindow = 1
	require.Error(t, bad.Validate())

	bad = cfg()
	bad.HalfOpenDelay = 0
	require.Error(t, bad.Validate())
}

func TestClosedAdmitsUntilThreshold(t *testing.T) {
	s := New(cfg())

	for i := 0; i < 2; i++ {
		d, _ := s.Admit()
		require.Equal(t, Proceed, d)
		s.RecordFailure()
	}
	require.Equal(t, Closed, s.Phase())

	d, _ := s.Admit()
	require.Equal(t, Proceed, d)
	s.RecordFailure()
	require.Equal(t, Open, s.Phase())
}

func TestOpenRejectsWithinHalfOpenDelay(t *testing.T) {
	s := New(cfg())
	for i := 0; i < 3; i++ {
		s.Admit()
		s.RecordFailure()
	}
	require.Equal(t, Open, s.Phase())

	d, probe := s.Admit()
	require.Equal(t, Reject, d)
	require.False(t, probe)
}

func TestHalfOpenSingleProbeWinsAfterDelay(t *testing.T) {
	s := New(cfg())
	for i := 0; i < 3; i++ {
		s.Admit()
		s.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	var wins int32
	var wg sync.WaitGroup
	const callers = 20
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			d, probe := s.Admit()
			if d == Proceed {
				require.True(t, probe)
				atomic.AddInt32(&wins, 1)
			} else {
				require.False(t, probe)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, wins)
	require.Equal(t, HalfOpen, s.Phase())
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	s := New(cfg())
	for i := 0; i < 3; i++ {
		s.Admit()
		s.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	d, probe := s.Admit()
	require.Equal(t, Proceed, d)
	require.True(t, probe)

	s.RecordSuccess()
	require.Equal(t, Closed, s.Phase())

	d2, _ := s.Admit()
	require.Equal(t, Proceed, d2)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	s := New(cfg())
	for i := 0; i < 3; i++ {
		s.Admit()
		s.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	d, probe := s.Admit()
	require.Equal(t, Proceed, d)
	require.True(t, probe)

	s.RecordFailure()
	require.Equal(t, Open, s.Phase())

	d2, _ := s.Admit()
	require.Equal(t, Reject, d2)
}

func TestSuccessInClosedDoesNotClearFailuresBeyondWindow(t *testing.T) {
	s := New(cfg())
	s.Admit()
	s.RecordFailure()
	s.Admit()
	s.RecordFailure()
	s.Admit()
	s.RecordSuccess() // window: [false, false, true], no trip
	require.Equal(t, Closed, s.Phase())

	s.Admit()
	s.RecordFailure() // window slides: [false, true, false], 2 failures, not enough
	require.Equal(t, Closed, s.Phase())
}
