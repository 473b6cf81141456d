package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisQueueRequeuesFailedTasks(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queue, err := NewRedisQueue(ctx, RedisQueueConfig{Address: srv.Addr(), BlockWait: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, queue.Publish(ctx, id))
	}
	pending, err := srv.List("credproof:jobs")
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	var (
		mu       sync.Mutex
		seen     []string
		failedB  bool
		finished = make(chan struct{})
	)
	consumeCtx, stop := context.WithCancel(ctx)
	go func() {
		defer close(finished)
		err := queue.Consume(consumeCtx, 2, func(_ context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, id)
			if id == "b" && !failedB {
				failedB = true
				return errors.New("transient")
			}
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "b", "c"}, seen)
}

func TestNewRedisQueueRequiresAddress(t *testing.T) {
	_, err := NewRedisQueue(context.Background(), RedisQueueConfig{})
	assert.Error(t, err)
}

func TestRedisQueueRecoversInFlightJobs(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	queue, err := NewRedisQueue(ctx, RedisQueueConfig{Address: srv.Addr(), Queue: "jobs"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	_, err = srv.Lpush("jobs:processing", "orphan-1")
	require.NoError(t, err)
	_, err = srv.Lpush("jobs:processing", "orphan-2")
	require.NoError(t, err)

	moved, err := queue.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	left, _ := srv.List("jobs:processing")
	assert.Empty(t, left)

	pending, err := srv.List("jobs")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"orphan-1", "orphan-2"}, pending)
}
