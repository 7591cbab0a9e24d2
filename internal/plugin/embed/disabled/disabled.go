// Package disabled registers the "none" embedder. Memories are never
// embedded and similarity search is unavailable.
package disabled

import (
	"context"

	"github.com/chirino/memory-sync/internal/registry/embed"
)

func init() {
	embed.Register(embed.Plugin{
		Name: "none",
		Loader: func(context.Context) (embed.Embedder, error) {
			return none{}, nil
		},
	})
}

type none struct{}

func (none) EmbedTexts(context.Context, []string) ([][]float32, error) {
	return nil, embed.ErrDisabled
}

func (none) ModelName() string { return "none" }
func (none) Dimension() int    { return 0 }
