package local_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/plugin/cache/local"
	_ "github.com/chirino/memory-sync/internal/plugin/cache/noop"
	registrycache "github.com/chirino/memory-sync/internal/registry/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSnapshotCache(t *testing.T) {
	ctx := context.Background()
	c, err := local.New(1<<20, time.Minute)
	require.NoError(t, err)
	require.True(t, c.Available())

	got, err := c.Get(ctx, "m1")
	require.NoError(t, err)
	require.Nil(t, got)

	snap := registrycache.CachedSnapshot{
		MemoryID: "m1",
		Digest:   "abc",
		View:     json.RawMessage(`{"id":"m1"}`),
		CachedAt: time.Now().UTC(),
	}
	require.NoError(t, c.Set(ctx, "m1", snap, 0))

	got, err = c.Get(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "abc", got.Digest)
	require.JSONEq(t, `{"id":"m1"}`, string(got.View))

	require.NoError(t, c.Remove(ctx, "m1"))
	got, err = c.Get(ctx, "m1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestLocalCacheRegistered(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.CacheLocalMaxCost = 1 << 16
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registrycache.Select("local")
	require.NoError(t, err)
	c, err := loader(ctx)
	require.NoError(t, err)
	require.True(t, c.Available())
}

func TestNoneCacheAlwaysMisses(t *testing.T) {
	load, err := registrycache.Select("none")
	require.NoError(t, err)
	c, err := load(context.Background())
	require.NoError(t, err)
	assert.False(t, c.Available())
	require.NoError(t, c.Set(context.Background(), "M1", registrycache.CachedSnapshot{}, time.Minute))
	got, err := c.Get(context.Background(), "M1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
