// Package local embeds memory text in-process by signed feature hashing of
// words and word pairs. It needs no model files and is deterministic, which
// makes it the default for development and tests.
package local

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/chirino/memory-sync/internal/config"
	registryembed "github.com/chirino/memory-sync/internal/registry/embed"
)

const defaultDimension = 384

func init() {
	registryembed.Register(registryembed.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registryembed.Embedder, error) {
			dim := defaultDimension
			if cfg := config.FromContext(ctx); cfg != nil && cfg.EmbedLocalDimension > 0 {
				dim = cfg.EmbedLocalDimension
			}
			return New(dim), nil
		},
	})
}

// Embedder hashes tokens into a fixed number of buckets.
type Embedder struct {
	dim int
}

func New(dim int) *Embedder {
	if dim <= 0 {
		dim = defaultDimension
	}
	return &Embedder{dim: dim}
}

func (e *Embedder) ModelName() string { return "feature-hash-v1" }

func (e *Embedder) Dimension() int { return e.dim }

func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embed(text)
	}
	return out, nil
}

func (e *Embedder) embed(text string) []float32 {
	vec := make([]float32, e.dim)
	words := tokenize(text)
	for i, w := range words {
		e.add(vec, w, 1)
		if i > 0 {
			// pairs weigh less than single words
			e.add(vec, words[i-1]+" "+w, 0.5)
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// add accumulates weight into the token's bucket; the top hash bit picks
// the sign so that collisions tend to cancel.
func (e *Embedder) add(vec []float32, token string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	sum := h.Sum64()
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[sum%uint64(e.dim)] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

var _ registryembed.Embedder = (*Embedder)(nil)
