// Package vector is the registry of vector stores holding memory
// embeddings for similarity queries.
package vector

import (
	"context"
	"fmt"
	"slices"
)

// Entry is the embedding of one memory's content at Version, the sequence
// number of the last operation folded into that content.
type Entry struct {
	MemoryID    string
	Vector      []float32
	Model       string
	ContentHash string
	Version     uint64
}

// Query asks for the Limit entries closest to Vector. Only entries embedded
// by Model are compared; an empty Model matches all.
type Query struct {
	Vector  []float32
	Model   string
	Exclude []string
	Limit   int
}

// SearchResult is a single vector search hit.
type SearchResult struct {
	MemoryID string  `json:"memory_id"`
	Score    float64 `json:"score"`
}

// VectorStore persists memory embeddings.
type VectorStore interface {
	Name() string
	// Upsert writes entries. An entry older than the stored version of the
	// same memory is ignored.
	Upsert(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, q Query) ([]SearchResult, error)
	Delete(ctx context.Context, memoryIDs ...string) error
	Close() error
}

// Loader creates a VectorStore from the config in ctx.
type Loader func(ctx context.Context) (VectorStore, error)

type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns the registered store names, sorted.
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
		return nil, fmt.Errorf("unknown vector store %q; valid: %v", name, Names())
	}
	return plugins[i].Loader, nil
}

// Newest keeps, per memory, the entry with the highest version. Batches
// from concurrent workers may carry several versions of one memory.
func Newest(entries []Entry) []Entry {
	idx := make(map[string]int, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if i, ok := idx[e.MemoryID]; ok {
			if e.Version >= out[i].Version {
				out[i] = e
			}
			continue
		}
		idx[e.MemoryID] = len(out)
		out = append(out, e)
	}
	return out
}
