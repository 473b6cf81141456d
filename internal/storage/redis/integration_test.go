//go:build integration

package redis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestCacheAgainstRealRedis(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	c, err := New(ctx, Config{Address: strings.TrimPrefix(uri, "redis://"), TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	rec := testRecord("urn:uuid:integration")
	require.NoError(t, c.Set(ctx, rec))
	got, err := c.Get(ctx, rec.Reference)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, rec.ManifestDigest, got.ManifestDigest)
}
