package migrate

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"
)

// Migrator prepares the schema of one backend. Migrators whose backend is
// not configured return nil without doing anything.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin orders migrators: op logs run at 100, vector stores at 200.
type Plugin struct {
	Order    int
	Migrator Migrator
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

func ordered() []Plugin {
	out := slices.Clone(plugins)
	slices.SortStableFunc(out, func(a, b Plugin) int { return cmp.Compare(a.Order, b.Order) })
	return out
}

// Names lists the registered migrators in run order.
func Names() []string {
	var names []string
	for _, p := range ordered() {
		names = append(names, p.Migrator.Name())
	}
	return names
}

// RunAll runs every registered migrator in order and stops at the first
// failure.
func RunAll(ctx context.Context) error {
	for _, p := range ordered() {
		start := time.Now()
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", p.Migrator.Name(), err)
		}
		log.Debug("Migrate: done", "migrator", p.Migrator.Name(), "took", time.Since(start))
	}
	return nil
}
