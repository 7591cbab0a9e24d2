// Package openai embeds memory content through an OpenAI-compatible
// embeddings endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chirino/memory-sync/internal/config"
	registryembed "github.com/chirino/memory-sync/internal/registry/embed"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

func init() {
	registryembed.Register(registryembed.Plugin{Name: "openai", Loader: load})
}

func load(ctx context.Context) (registryembed.Embedder, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai embedder: MEMORY_SYNC_OPENAI_API_KEY is required")
	}
	return New(cfg.OpenAIAPIKey, cfg.OpenAIModelName, cfg.OpenAIBaseURL, cfg.OpenAIDimensions), nil
}

// knownDimensions are the default vector lengths of the hosted models.
var knownDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// Embedder calls the embeddings API. Retries are left to the caller's
// circuit breaker and backoff.
type Embedder struct {
	client     openai.Client
	model      string
	dimensions int
	dim        int
}

// New builds an embedder. dimensions > 0 asks the model for shortened
// vectors.
func New(apiKey, model, baseURL string, dimensions int) *Embedder {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL = strings.TrimRight(baseURL, "/"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL+"/"))
	}
	dim := dimensions
	if dim <= 0 {
		dim = knownDimensions[strings.ToLower(model)]
	}
	return &Embedder{
		client:     openai.NewClient(opts...),
		model:      model,
		dimensions: dimensions,
		dim:        dim,
	}
}

func (e *Embedder) ModelName() string { return e.model }

func (e *Embedder) Dimension() int { return e.dim }

func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openai.EmbeddingModel(e.model),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openai embed error (%d): %s", apiErr.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	// results may come back in any order
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embed: index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}
