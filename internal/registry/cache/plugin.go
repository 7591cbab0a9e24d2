package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// CachedSnapshot is the rendered read view of a memory.
type CachedSnapshot struct {
	MemoryID string          `json:"memory_id"`
	Digest   string          `json:"digest"`
	View     json.RawMessage `json:"view"`
	CachedAt time.Time       `json:"cached_at"`
}

// SnapshotCache caches memory read views. Entries are removed whenever the
// memory or one of its relationships changes. Get returns nil, nil on a
// miss.
type SnapshotCache interface {
	Available() bool
	Get(ctx context.Context, memoryID string) (*CachedSnapshot, error)
	Set(ctx context.Context, memoryID string, snap CachedSnapshot, ttl time.Duration) error
	Remove(ctx context.Context, memoryID string) error
}

// Loader creates a cache from the config in ctx.
type Loader func(ctx context.Context) (SnapshotCache, error)

type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns the registered cache names, sorted.
func Names() []string {
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, p.Name)
	}
	slices.Sort(names)
	return names
}

func Select(name string) (Loader, error) {
	i := slices.IndexFunc(plugins, func(p Plugin) bool { return p.Name == name })
	if i < 0 {
		return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
	}
	return plugins[i].Loader, nil
}
