package redis_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chirino/memory-sync/internal/config"
	_ "github.com/chirino/memory-sync/internal/plugin/cache/infinispan"
	"github.com/chirino/memory-sync/internal/plugin/cache/redis"
	registrycache "github.com/chirino/memory-sync/internal/registry/cache"
	"github.com/chirino/memory-sync/internal/testutil/containers"
	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, c registrycache.SnapshotCache) {
	t.Helper()
	ctx := context.Background()
	require.True(t, c.Available())

	got, err := c.Get(ctx, "m1")
	require.NoError(t, err)
	require.Nil(t, got)

	snap := registrycache.CachedSnapshot{
		MemoryID: "m1",
		Digest:   "d1",
		View:     json.RawMessage(`{"id":"m1","title":"Plan"}`),
		CachedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, c.Set(ctx, "m1", snap, time.Minute))

	got, err = c.Get(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, snap.Digest, got.Digest)
	require.JSONEq(t, string(snap.View), string(got.View))
	require.True(t, snap.CachedAt.Equal(got.CachedAt))

	require.NoError(t, c.Remove(ctx, "m1"))
	got, err = c.Get(ctx, "m1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRedisSnapshotCache(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	c, err := redis.LoadFromURLWithTTL(context.Background(), containers.Redis(t), time.Minute)
	require.NoError(t, err)
	exercise(t, c)
}

func TestInfinispanSnapshotCache(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ispn := containers.StartInfinispan(t)
	cfg := config.DefaultConfig()
	cfg.InfinispanHost = ispn.Host
	cfg.InfinispanUsername = ispn.Username
	cfg.InfinispanPassword = ispn.Password
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registrycache.Select("infinispan")
	require.NoError(t, err)
	c, err := loader(ctx)
	require.NoError(t, err)
	exercise(t, c)
}

func TestRedisCacheRequiresURL(t *testing.T) {
	cfg := config.DefaultConfig()
	ctx := config.WithContext(context.Background(), &cfg)
	loader, err := registrycache.Select("redis")
	require.NoError(t, err)
	_, err = loader(ctx)
	require.ErrorContains(t, err, "REDIS_URL")
}
