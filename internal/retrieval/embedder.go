package retrieval

import (
	"context"
	"fmt"

	"github.com/avenna/biolit/internal/engine"
	"golang.org/x/sync/errgroup"
)

// Embedder wraps an embedding provider and a fixed model name.
type Embedder struct {
	provider engine.Embedder
	model    string
}

// NewEmbedder creates an Embedder using the given provider and model name.
func NewEmbedder(provider engine.Embedder, model string) *Embedder {
	return &Embedder{provider: provider, model: model}
}

// Model returns the embedding model name this Embedder is bound to.
func (e *Embedder) Model() string {
	return e.model
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.provider.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the provider.

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := e.provider.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
