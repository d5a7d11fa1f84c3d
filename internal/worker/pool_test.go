package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ProcessesSubmittedWork(t *testing.T) {
	var sum atomic.Int64
	var wg sync.WaitGroup
	p := NewPool[int](4, 16, func(_ context.Context, n int) error {
		sum.Add(int64(n))
		wg.Done()
		return nil
	})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(time.Second)

	wg.Add(10)
	for i := 1; i <= 10; i++ {
		require.NoError(t, p.Submit(i))
	}
	wg.Wait()
	assert.Equal(t, int64(55), sum.Load())
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	p := NewPool[int](1, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, p.Submit(1), ErrPoolNotStarted)
}

func TestPool_QueueFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	p := NewPool[int](1, 1, func(context.Context, int) error {
		started <- struct{}{}
		<-block
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Submit(1))
	<-started
	require.NoError(t, p.Submit(2))
	assert.ErrorIs(t, p.Submit(3), ErrQueueFull)
	assert.Equal(t, int64(1), p.Stats().Dropped)

	close(block)
	require.NoError(t, p.Stop(time.Second))
}

func TestPool_StopDrainsQueue(t *testing.T) {
	var processed atomic.Int64
	p := NewPool[int](2, 64, func(context.Context, int) error {
		time.Sleep(time.Millisecond)
		processed.Add(1)
		return nil
	})
	require.NoError(t, p.Start(context.Background()))
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(i))
	}
	require.NoError(t, p.Stop(5*time.Second))
	assert.Equal(t, int64(20), processed.Load())
	assert.ErrorIs(t, p.Submit(1), ErrPoolStopped)
}

func TestPool_StopTimeoutThenSubmitIsSafe(t *testing.T) {
	block := make(chan struct{})
	p := NewPool[int](1, 4, func(ctx context.Context, _ int) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(1))
	time.Sleep(10 * time.Millisecond)

	assert.ErrorIs(t, p.Stop(10*time.Millisecond), ErrStopTimeout)
	assert.ErrorIs(t, p.Submit(2), ErrPoolStopped)
	close(block)
}

func TestPool_PanicCountsAsFailure(t *testing.T) {
	done := make(chan struct{})
	p := NewPool[int](1, 4, func(_ context.Context, n int) error {
		if n == 0 {
			panic("boom")
		}
		if n == 1 {
			return errors.New("fail")
		}
		close(done)
		return nil
	})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(0))
	require.NoError(t, p.Submit(1))
	require.NoError(t, p.Submit(2))
	<-done
	require.NoError(t, p.Stop(time.Second))

	st := p.Stats()
	assert.Equal(t, int64(3), st.Processed)
	assert.Equal(t, int64(2), st.Failed)
}

func TestPool_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPool[int](1, 4, func(context.Context, int) error { return nil }, WithMetrics[int](reg, "business"))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(1))
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.submitted))
	n, err := testutil.GatherAndCount(reg, "business_processing_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewPool_NilProcessorPanics(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewPool[int](1, 1, nil)
	})
}
