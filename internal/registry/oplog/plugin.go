package oplog

import (
	"context"
	"fmt"

	"github.com/chirino/memory-sync/internal/model"
)

// Log is the append-only operation log. Records are never changed in
// place; Compact replaces every record up to a baseline snapshot in one
// atomic step and opens a new segment.
type Log interface {
	// Append stores rec and returns it with its sequence number, segment
	// and timestamp assigned.
	Append(ctx context.Context, rec model.OpLogRecord) (model.OpLogRecord, error)
	// Read returns up to limit records with a sequence number greater than
	// after, in sequence order. A limit of zero reads everything.
	Read(ctx context.Context, after int64, limit int) ([]model.OpLogRecord, error)
	// Baseline returns the latest compaction snapshot, or nil.
	Baseline(ctx context.Context) (*model.Snapshot, error)
	// Compact stores snap as the new baseline and drops the records it
	// covers.
	Compact(ctx context.Context, snap model.Snapshot) error
	// Count returns the number of records after the baseline.
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Loader creates a Log from config.
type Loader func(ctx context.Context) (Log, error)

// Plugin represents an operation log plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an operation log plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered operation log plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named operation log plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown operation log %q; valid: %v", name, Names())
}
