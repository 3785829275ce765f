package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesAllItems(t *testing.T) {
	var processed int64
	var wg sync.WaitGroup

	pool := NewPool[int](4, 100, func(_ context.Context, _ int) error {
		atomic.AddInt64(&processed, 1)
		wg.Done()
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))

	const items = 50
	wg.Add(items)
	for i := 0; i < items; i++ {
		require.NoError(t, pool.Submit(i))
	}
	wg.Wait()

	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(items), atomic.LoadInt64(&processed))

	stats := pool.Stats()
	assert.Equal(t, int64(items), stats.Submitted)
	assert.Equal(t, int64(items), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestPoolCountsFailures(t *testing.T) {
	var wg sync.WaitGroup

	pool := NewPool[int](2, 10, func(_ context.Context, n int) error {
		defer wg.Done()
		if n%2 == 0 {
			return errors.New("even numbers fail")
		}
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))

	wg.Add(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(i))
	}
	wg.Wait()

	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(2), pool.Stats().Failed)
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool[int](1, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool[int](1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
}

func TestQueueFullDropsWork(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool[int](1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue.
	require.NoError(t, pool.Submit(1))
	var err error
	for i := 0; i < 10; i++ {
		err = pool.Submit(2)
		if err == nil {
			continue
		}
		break
	}
	assert.ErrorIs(t, err, ErrQueueFull)

	close(block)
	require.NoError(t, pool.Stop(time.Second))
}

func TestStopDrainsQueueAfterContextCancel(t *testing.T) {
	gate := make(chan struct{})
	var processed int64

	pool := NewPool[int](1, 8, func(_ context.Context, _ int) error {
		<-gate
		atomic.AddInt64(&processed, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))

	const items = 5
	for i := 0; i < items; i++ {
		require.NoError(t, pool.Submit(i))
	}

	// Cancelling the start context must not abandon queued work.
	cancel()
	close(gate)

	require.NoError(t, pool.Stop(2*time.Second))
	assert.Equal(t, int64(items), atomic.LoadInt64(&processed))
	assert.Equal(t, int64(items), pool.Stats().Processed)
}

func TestDoubleStartFails(t *testing.T) {
	pool := NewPool[int](1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
}

func TestNilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[int](1, 1, nil)
	})
}
