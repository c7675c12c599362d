package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(2, 16, zerolog.Nop())
	p.Start(context.Background())

	var wg sync.WaitGroup
	var ran int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func(ctx context.Context) error {
			defer wg.Done()
			atomic.AddInt32(&ran, 1)
			if atomic.LoadInt32(&ran)%2 == 0 {
				return errors.New("boom")
			}
			return nil
		}))
	}
	wg.Wait()
	p.Stop()
	assert.Equal(t, int32(10), atomic.LoadInt32(&ran))
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := NewPool(1, 1, zerolog.Nop())
	// 未 Start，队列不会被消费。
	require.NoError(t, p.Submit(func(context.Context) error { return nil }))
	require.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), ErrQueueFull)
	require.Error(t, p.Submit(nil))
}

func TestPoolStopDrainsAndRejects(t *testing.T) {
	p := NewPool(1, 8, zerolog.Nop())
	var ran int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}))
	}
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	assert.Equal(t, int32(5), atomic.LoadInt32(&ran))
	require.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), ErrStopped)
}
