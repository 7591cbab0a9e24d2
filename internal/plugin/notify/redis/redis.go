// Package redis publishes outbound events on Redis pub/sub channels named
// <prefix>:<kind>.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/model"
	registrynotify "github.com/chirino/memory-sync/internal/registry/notify"
	goredis "github.com/redis/go-redis/v9"
)

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrynotify.Publisher, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis notifier: MEMORY_SYNC_REDIS_URL is required")
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis notifier: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis notifier: ping failed: %w", err)
	}
	return &Publisher{client: client, prefix: cfg.NotifySubjectPrefix}, nil
}

// Publisher publishes events with PUBLISH.
type Publisher struct {
	client *goredis.Client
	prefix string
}

// Channel returns the channel events of kind are published on.
func (p *Publisher) Channel(kind model.EventKind) string {
	return p.prefix + ":" + string(kind)
}

func (p *Publisher) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis notifier: marshal: %w", err)
	}
	return p.client.Publish(ctx, p.Channel(ev.Kind), data).Err()
}

func (p *Publisher) Close() error {
	return p.client.Close()
}

var _ registrynotify.Publisher = (*Publisher)(nil)
