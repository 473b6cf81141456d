package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "CredProof/internal/errors"
	"CredProof/internal/manifest"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestServiceSubmitValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(4), 3, 2)
	ctx := context.Background()

	cases := map[string]SubmitRequest{
		"no items":          {},
		"too many":          {Items: sampleItems(3)},
		"empty content":     {Items: []Item{{Name: "blank"}}},
		"unknown kind":      {Kind: "stamp", Items: sampleItems(1)},
		"verify assertions": {Items: []Item{{Content: []byte("x"), Assertions: []manifest.Claim{{Label: "author", Value: "a"}}}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Submit(ctx, req)
			require.Error(t, err)
			assert.True(t, xerrors.IsCode(err, CodeTaskValidation))
		})
	}
}

func TestServiceSubmitIsIdempotentByID(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	svc := NewService(store, queue, 0, 0)
	ctx := context.Background()

	first, err := svc.Submit(ctx, SubmitRequest{ID: "batch-7", Items: sampleItems(2), Metadata: map[string]string{"owner": "desk"}})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, KindVerify, first.Kind)
	assert.Equal(t, 3, first.MaxRetries)

	again, err := svc.Submit(ctx, SubmitRequest{ID: "batch-7", Items: sampleItems(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, again.ItemCount)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)

	listed, err := svc.List(ctx, WithQuery("desk"))
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "batch-7", listed[0].ID)
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, failingProducer{}, 3, 10)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{ID: "lost", Items: sampleItems(1)})
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, CodeTaskPublish))

	task, err := svc.Get(ctx, "lost")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.True(t, task.Finished())

	done, err := svc.WaitUntilCompleted(ctx, "lost", 0)
	require.NoError(t, err)
	assert.Equal(t, "lost", done.ID)
}
