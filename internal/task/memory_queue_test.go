package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueRequeuesFailedTasks(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, queue.Publish(ctx, "job-1"))
	assert.Equal(t, 1, queue.Len())

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, 1, func(context.Context, string) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			cancel()
			return nil
		})
	}()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 3, calls.Load())
}

func TestMemoryQueueClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	require.NoError(t, queue.Close())
	require.NoError(t, queue.Close())

	err := queue.Publish(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrQueueClosed)

	err = queue.Consume(context.Background(), 2, func(context.Context, string) error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
}
