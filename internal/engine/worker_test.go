package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran int64
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, 2, m.Size)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	pool := NewWorkerPool(3)
	defer pool.Shutdown()

	var current, peak int64
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if c <= old || atomic.CompareAndSwapInt64(&peak, old, c) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
	assert.Positive(t, atomic.LoadInt64(&peak))
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started

	submitted := make(chan struct{})
	go func() {
		pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("second submit should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("second submit did not unblock after first job completed")
	}
	pool.Wait()
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("job exploded")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)

	var ran int64
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran), "pool keeps working after a panic")
}

func TestWorkerPool_ContextCancellation(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, func(ctx context.Context) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("submit did not return after context cancellation")
	}

	close(block)
	pool.Wait()
	assert.Equal(t, int64(1), pool.Metrics().Rejected)
}

func TestWorkerPool_CloseReleasesBlockedSubmit(t *testing.T) {
	pool := NewWorkerPool(1)
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	pool.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolShutdown)
	case <-time.After(time.Second):
		t.Fatal("Close did not release the blocked submit")
	}
	assert.Equal(t, int64(1), pool.Metrics().Active, "Close does not wait for running jobs")

	close(block)
	pool.Shutdown()
	assert.Equal(t, int64(0), pool.Metrics().Active)
}

func TestWorkerPool_GracefulShutdown(t *testing.T) {
	pool := NewWorkerPool(2)

	var completed int64
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		}))
	}
	pool.Shutdown()

	assert.Equal(t, int64(5), atomic.LoadInt64(&completed))
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_MetricsAccuracy(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	errTarget := errors.New("intentional error")
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return nil }))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return errTarget }))
	}
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(3), m.Completed)
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(0), m.Active)
}

func TestWorkerPool_DoubleShutdown(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()
	assert.NotPanics(t, pool.Shutdown)
}

func TestPanicError(t *testing.T) {
	err := &PanicError{Value: "boom"}
	assert.Equal(t, "panic: boom", err.Error())
}
