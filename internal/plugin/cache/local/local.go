// Package local provides an in-process snapshot cache backed by ristretto.
package local

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/memory-sync/internal/config"
	registrycache "github.com/chirino/memory-sync/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
)

const (
	defaultTTL     = 10 * time.Minute
	defaultMaxCost = 64 << 20
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "local",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.SnapshotCache, error) {
	maxCost := int64(defaultMaxCost)
	ttl := defaultTTL
	if cfg := config.FromContext(ctx); cfg != nil {
		if cfg.CacheLocalMaxCost > 0 {
			maxCost = cfg.CacheLocalMaxCost
		}
		if cfg.CacheTTL > 0 {
			ttl = cfg.CacheTTL
		}
	}
	return New(maxCost, ttl)
}

// New creates a cache holding up to maxCost bytes of rendered views.
func New(maxCost int64, ttl time.Duration) (registrycache.SnapshotCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, registrycache.CachedSnapshot]{
		// ten counters per expected entry, assuming ~1KiB views
		NumCounters: max(maxCost/100, 1000),
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &localSnapshotCache{cache: c, ttl: ttl}, nil
}

type localSnapshotCache struct {
	cache *ristretto.Cache[string, registrycache.CachedSnapshot]
	ttl   time.Duration
}

func (c *localSnapshotCache) Available() bool { return true }

func (c *localSnapshotCache) Get(_ context.Context, memoryID string) (*registrycache.CachedSnapshot, error) {
	snap, ok := c.cache.Get(memoryID)
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (c *localSnapshotCache) Set(_ context.Context, memoryID string, snap registrycache.CachedSnapshot, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	c.cache.SetWithTTL(memoryID, snap, int64(len(snap.View))+1, ttl)
	// make the entry visible to the next Get
	c.cache.Wait()
	return nil
}

func (c *localSnapshotCache) Remove(_ context.Context, memoryID string) error {
	c.cache.Del(memoryID)
	return nil
}

var _ registrycache.SnapshotCache = (*localSnapshotCache)(nil)
