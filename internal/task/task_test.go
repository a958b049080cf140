package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-pingpong/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockLogger := logger.NewPermissiveMockLogger()
	mgr := NewManager(ctx, mockLogger)

	var iterations atomic.Int32
	cancelled := make(chan struct{})
	err := mgr.Start("counter", func() bool {
		return iterations.Add(1) < 5
	}, func() { close(cancelled) })
	require.NoError(t, err)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task did not stop after returning false")
	}
	assert.EqualValues(t, 5, iterations.Load())

	mgr.Wait()
	assert.Equal(t, 0, mgr.TaskCount())
}

func TestManager_StopAndReuse(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.NewPermissiveMockLogger())

	for round := 0; round < 2; round++ {
		require.NoError(mgr.Start("spin", func() bool {
			time.Sleep(time.Millisecond)
			return true
		}, nil))
		require.Eventually(func() bool { return mgr.TaskCount() == 1 }, time.Second, time.Millisecond)

		mgr.Stop()
		require.True(mgr.WaitTimeout(time.Second))
		require.Equal(0, mgr.TaskCount())
	}
}

func TestManager_StartAfterStop(t *testing.T) {
	mgr := NewManager(context.Background(), logger.NewPermissiveMockLogger())
	mgr.Stop()

	err := mgr.Start("late", func() bool { return false }, nil)
	require.ErrorIs(t, err, ErrStopped)
}

func TestManager_StartInterval(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.NewPermissiveMockLogger())

	var ticks atomic.Int32
	require.NoError(mgr.StartInterval("progress", func() bool {
		ticks.Add(1)
		return true
	}, 5*time.Millisecond, true))
	require.GreaterOrEqual(ticks.Load(), int32(1))

	require.Error(mgr.StartInterval("progress", func() bool { return true }, time.Millisecond, false))
	require.Error(mgr.StartInterval("bad", func() bool { return true }, 0, false))

	require.Eventually(func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)

	mgr.Stop()
	mgr.Wait()
	require.Equal(0, mgr.TaskCount())
}

func TestManager_PanicStopsTask(t *testing.T) {
	mockLogger := logger.NewPermissiveMockLogger()
	mgr := NewManager(context.Background(), mockLogger)

	require.NoError(t, mgr.Start("boom", func() bool {
		panic("broken frame")
	}, nil))

	mgr.Wait()
	mockLogger.AssertCalled(t, "Error", "panic in task", []any{"name", "boom", "panic", "broken frame"})
}
