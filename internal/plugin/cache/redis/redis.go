// Package redis caches rendered memory views in Redis, or in any server
// speaking RESP. Each snapshot is a hash with the view digest kept apart
// from the view body.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/memory-sync/internal/config"
	registrycache "github.com/chirino/memory-sync/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultTTL = 10 * time.Minute
	keyPrefix  = "memory-sync:snapshot:"

	fieldDigest   = "digest"
	fieldView     = "view"
	fieldCachedAt = "cached_at"
)

func init() {
	registrycache.Register(registrycache.Plugin{Name: "redis", Loader: load})
}

func load(ctx context.Context) (registrycache.SnapshotCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: MEMORY_SYNC_REDIS_URL is required")
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, cfg.CacheTTL)
}

// LoadFromURLWithTTL connects to a redis:// or rediss:// URL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.SnapshotCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return LoadFromOptionsWithTTL(ctx, opts, ttl)
}

// LoadFromOptionsWithTTL connects with caller supplied options and checks
// the server answers.
func LoadFromOptionsWithTTL(ctx context.Context, opts *goredis.Options, ttl time.Duration) (registrycache.SnapshotCache, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cache: ping %s: %w", opts.Addr, err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &snapshotCache{client: client, ttl: ttl}, nil
}

type snapshotCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func key(memoryID string) string { return keyPrefix + memoryID }

func (c *snapshotCache) Available() bool { return true }

func (c *snapshotCache) Get(ctx context.Context, memoryID string) (*registrycache.CachedSnapshot, error) {
	fields, err := c.client.HGetAll(ctx, key(memoryID)).Result()
	if err != nil {
		return nil, err
	}
	view, ok := fields[fieldView]
	if !ok {
		return nil, nil
	}
	snap := &registrycache.CachedSnapshot{
		MemoryID: memoryID,
		Digest:   fields[fieldDigest],
		View:     []byte(view),
	}
	if at, err := time.Parse(time.RFC3339Nano, fields[fieldCachedAt]); err == nil {
		snap.CachedAt = at
	}
	return snap, nil
}

// Set replaces the snapshot. ttl zero uses the cache default.
func (c *snapshotCache) Set(ctx context.Context, memoryID string, snap registrycache.CachedSnapshot, ttl time.Duration) error {
	if len(snap.View) == 0 {
		return errors.New("redis cache: empty view")
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	k := key(memoryID)
	_, err := c.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, k)
		p.HSet(ctx, k,
			fieldDigest, snap.Digest,
			fieldView, string(snap.View),
			fieldCachedAt, snap.CachedAt.UTC().Format(time.RFC3339Nano),
		)
		p.Expire(ctx, k, ttl)
		return nil
	})
	return err
}

func (c *snapshotCache) Remove(ctx context.Context, memoryID string) error {
	return c.client.Del(ctx, key(memoryID)).Err()
}
