package embed

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Embedder turns memory text into vectors.
type Embedder interface {
	// EmbedTexts returns one vector per text, in input order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
	// Dimension is the vector length, or zero when not known up front.
	Dimension() int
}

// ErrDisabled is returned by embedders that never produce vectors.
var ErrDisabled = errors.New("embedding is disabled")

// EmbedOne embeds a single text and checks the backend's answer.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%s returned %d vectors for one text", e.ModelName(), len(vecs))
	}
	if d := e.Dimension(); d > 0 && len(vecs[0]) != d {
		return nil, fmt.Errorf("%s returned a %d-dimensional vector, want %d", e.ModelName(), len(vecs[0]), d)
	}
	return vecs[0], nil
}

// Loader creates an Embedder from config.
type Loader func(ctx context.Context) (Embedder, error)

type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an embedder plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns the registered embedder names, sorted.
func Names() []string {
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, p.Name)
	}
	slices.Sort(names)
	return names
}

// Select returns the loader of the named embedder.
func Select(name string) (Loader, error) {
	i := slices.IndexFunc(plugins, func(p Plugin) bool { return p.Name == name })
	if i < 0 {
		return nil, fmt.Errorf("unknown embedder %q; valid: %v", name, Names())
	}
	return plugins[i].Loader, nil
}
