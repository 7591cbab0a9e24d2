// Package noop registers the "none" cache. Every lookup misses, so the
// replica reads snapshots straight from the field store.
package noop

import (
	"context"
	"time"

	"github.com/chirino/memory-sync/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(context.Context) (cache.SnapshotCache, error) {
			return disabled{}, nil
		},
	})
}

type disabled struct{}

func (disabled) Available() bool { return false }

func (disabled) Get(context.Context, string) (*cache.CachedSnapshot, error) { return nil, nil }

func (disabled) Set(context.Context, string, cache.CachedSnapshot, time.Duration) error {
	return nil
}

func (disabled) Remove(context.Context, string) error { return nil }
