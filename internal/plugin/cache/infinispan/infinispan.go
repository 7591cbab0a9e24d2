// Package infinispan caches snapshots in Infinispan through its RESP
// connector. The wire handling is shared with the redis plugin.
package infinispan

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/plugin/cache/redis"
	registrycache "github.com/chirino/memory-sync/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "infinispan",
		Loader: load,
	})
}

// options builds RESP2 client options; Infinispan rejects the RESP3 HELLO.
func options(cfg *config.Config) (*goredis.Options, error) {
	if cfg == nil || cfg.InfinispanHost == "" {
		return nil, fmt.Errorf("infinispan cache: MEMORY_SYNC_INFINISPAN_HOST is required")
	}
	if cfg.InfinispanUsername == "" && cfg.InfinispanPassword != "" {
		return nil, fmt.Errorf("infinispan cache: password set without a username")
	}
	return &goredis.Options{
		Addr:     cfg.InfinispanHost,
		Username: cfg.InfinispanUsername,
		Password: cfg.InfinispanPassword,
		Protocol: 2,
	}, nil
}

func load(ctx context.Context) (registrycache.SnapshotCache, error) {
	cfg := config.FromContext(ctx)
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	startCtx, cancel := context.WithTimeout(ctx, cfg.InfinispanStartupTimeout)
	defer cancel()
	c, err := redis.LoadFromOptionsWithTTL(startCtx, opts, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("infinispan cache: %w", err)
	}
	log.Info("Cache: infinispan connected", "host", cfg.InfinispanHost, "ttl", cfg.CacheTTL)
	return c, nil
}
