package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickRunsStagesWithCaps(t *testing.T) {
	var gotMax []int
	s := New([]Stage{
		{Name: "planner", MaxPerTick: 1, Run: func(max int) int { gotMax = append(gotMax, max); return 1 }},
		{Name: "executor", MaxPerTick: 2, Run: func(max int) int { gotMax = append(gotMax, max); return 0 }},
	})

	s.Tick()
	assert.Equal(t, []int{1, 2}, gotMax)
}

func TestOverlappingTicksCoalesce(t *testing.T) {
	var running atomic.Int32
	var overlapped atomic.Bool
	block := make(chan struct{})

	s := New([]Stage{{
		Name:       "slow",
		MaxPerTick: 1,
		Run: func(int) int {
			if running.Add(1) > 1 {
				overlapped.Store(true)
			}
			<-block
			running.Add(-1)
			return 0
		},
	}})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.Tick() }()
	time.Sleep(20 * time.Millisecond)
	go func() { defer wg.Done(); s.Tick() }() // coalesced: returns immediately
	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	assert.False(t, overlapped.Load())
}

func TestStartStopAndStatus(t *testing.T) {
	var ticks atomic.Int32
	s := New([]Stage{{
		Name:       "counter",
		MaxPerTick: 3,
		Run:        func(int) int { ticks.Add(1); return 0 },
	}})

	s.Start(Config{Cadence: 10 * time.Millisecond})
	// Duplicate start is a no-op.
	s.Start(Config{Cadence: time.Hour})

	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, 5*time.Millisecond)

	status := s.Status()
	assert.True(t, status.Enabled)
	assert.EqualValues(t, 10, status.CadenceMs)
	assert.Equal(t, 3, status.MaxPerTick["counter"])
	assert.False(t, status.LastTickAt.IsZero())

	s.Stop()
	assert.False(t, s.Status().Enabled)

	// Stop again must not panic.
	s.Stop()
}
