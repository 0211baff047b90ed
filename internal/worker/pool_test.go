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

func TestNewPool_ZeroWorkers(t *testing.T) {
	pool := NewPool(0)
	require.NotNil(t, pool)
	assert.Greater(t, pool.GetStats().Workers, 0)
}

func TestPool_Submit(t *testing.T) {
	pool := NewPool(2)
	pool.Start()
	defer pool.Close()

	var counter atomic.Int64
	for i := 0; i < 5; i++ {
		assert.True(t, pool.Submit(func() { counter.Add(1) }))
	}
	pool.Wait()

	assert.Equal(t, int64(5), counter.Load())
	stats := pool.GetStats()
	assert.Equal(t, int64(5), stats.TotalJobs)
	assert.Equal(t, int64(5), stats.CompletedJobs)
	assert.Equal(t, int64(0), stats.ActiveWorkers)
}

func TestPool_StartOnce(t *testing.T) {
	pool := NewPool(2)
	pool.Start()
	pool.Start()
	defer pool.Close()

	var executed atomic.Bool
	pool.Submit(func() { executed.Store(true) })
	pool.Wait()

	assert.True(t, executed.Load())
}

func TestPool_SubmitAfterClose(t *testing.T) {
	pool := NewPool(1)
	pool.Start()
	pool.Close()
	pool.Close()

	assert.False(t, pool.Submit(func() {}))
	assert.ErrorIs(t, pool.Do(context.Background(), func() error { return nil }), ErrPoolClosed)
}

func TestPool_Do(t *testing.T) {
	pool := NewPool(2)
	pool.Start()
	defer pool.Close()

	t.Run("returns job error", func(t *testing.T) {
		want := errors.New("decode failed")
		err := pool.Do(context.Background(), func() error { return want })
		assert.ErrorIs(t, err, want)
	})

	t.Run("recovers panic", func(t *testing.T) {
		err := pool.Do(context.Background(), func() error { panic("boom") })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panicked")
	})

	t.Run("already cancelled context skips job", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var ran atomic.Bool
		err := pool.Do(ctx, func() error { ran.Store(true); return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, ran.Load())
	})

	t.Run("cancel while running returns promptly", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		release := make(chan struct{})
		started := make(chan struct{})

		errCh := make(chan error, 1)
		go func() {
			errCh <- pool.Do(ctx, func() error {
				close(started)
				<-release
				return nil
			})
		}()

		<-started
		cancel()
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("Do did not return after cancel")
		}
		close(release)
	})
}

func TestPool_ConcurrentStatsAccess(t *testing.T) {
	pool := NewPool(2)
	pool.Start()
	defer pool.Close()

	const numJobs = 20
	var wg sync.WaitGroup
	for i := 0; i < numJobs; i++ {
		pool.Submit(func() {
			for j := 0; j < 5000; j++ {
				_ = j * j
			}
		})
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = pool.GetStats()
			}
		}()
	}
	wg.Wait()
	pool.Wait()

	assert.Equal(t, int64(numJobs), pool.GetStats().TotalJobs)
}
