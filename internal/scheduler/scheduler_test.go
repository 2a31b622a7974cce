package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRunsRepeatedly(t *testing.T) {
	var runCount int64

	schedulerInstance := NewScheduler([]Worker{{
		Name:     "counter",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt64(&runCount, 1)
			return nil
		},
	}})

	require.NoError(t, schedulerInstance.Start(context.Background()))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runCount) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, schedulerInstance.Stop(stopCtx))
}

func TestFailingWorkerKeepsRunning(t *testing.T) {
	var runCount int64

	schedulerInstance := NewScheduler([]Worker{{
		Name:     "flaky",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			if atomic.AddInt64(&runCount, 1) <= 2 {
				return errors.New("transient failure")
			}
			return nil
		},
	}})

	require.NoError(t, schedulerInstance.Start(context.Background()))

	// The supervisor retries after errors instead of giving up.
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runCount) >= 4
	}, 10*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, schedulerInstance.Stop(stopCtx))
}

func TestPanickingWorkerKeepsRunning(t *testing.T) {
	var runCount int64

	schedulerInstance := NewScheduler([]Worker{{
		Name:     "panicky",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			if atomic.AddInt64(&runCount, 1) == 1 {
				panic("boom")
			}
			return nil
		},
	}})

	require.NoError(t, schedulerInstance.Start(context.Background()))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runCount) >= 3
	}, 10*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, schedulerInstance.Stop(stopCtx))
}

func TestStopIsIdempotentAndBounded(t *testing.T) {
	schedulerInstance := NewScheduler([]Worker{{
		Name:     "sleeper",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			return nil
		},
	}})

	require.NoError(t, schedulerInstance.Start(context.Background()))

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, schedulerInstance.Stop(stopCtx))
	require.NoError(t, schedulerInstance.Stop(stopCtx))
}

func TestStartIsIdempotent(t *testing.T) {
	schedulerInstance := NewScheduler(nil)

	require.NoError(t, schedulerInstance.Start(context.Background()))
	require.NoError(t, schedulerInstance.Start(context.Background()))

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, schedulerInstance.Stop(stopCtx))
}