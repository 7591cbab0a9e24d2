package notify

import (
	"context"
	"fmt"

	"github.com/chirino/memory-sync/internal/model"
)

// Publisher delivers outbound events to presence and broadcast consumers.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
	Close() error
}

// Loader creates a Publisher from config.
type Loader func(ctx context.Context) (Publisher, error)

// Plugin represents a notification plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a notification plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered notification plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named notification plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown notifier %q; valid: %v", name, Names())
}
