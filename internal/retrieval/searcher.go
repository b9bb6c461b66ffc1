// Package retrieval turns a query and a scope into ranked context chunks
// ready for prompt assembly.
package retrieval

import (
	"context"
	"errors"
	"strings"

	"github.com/avenna/biolit/internal/index"
)

// ErrEmptyRetrieval is reported when no target source yields any chunk for an
// entire request. Callers must not proceed to generation when they see it.
var ErrEmptyRetrieval = errors.New("no context retrieved for the requested sources")

// Chunk is a retrieved context fragment with its similarity score.
type Chunk struct {
	ID     string
	Source string
	Text   string
	Score  float32
}

// Searcher runs similarity search over per-collection indexes.
type Searcher struct {
	embedder *Embedder
}

// NewSearcher creates a Searcher backed by the given Embedder.
func NewSearcher(embedder *Embedder) *Searcher {
	return &Searcher{embedder: embedder}
}

// Search embeds the query and returns the top-K most similar chunks from ix.
// When source is non-empty, only chunks from that file are considered.
func (s *Searcher) Search(ctx context.Context, ix *index.Index, query string, topK int, source string) ([]Chunk, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := ix.Search(vec, topK, source)
	if err != nil {
		return nil, err
	}
	return scoredToChunks(scored), nil
}

// SearchWithThreshold is Search restricted to chunks scoring at or above
// minScore. If the threshold filters everything out but the search itself
// returned results, the unfiltered top-K is returned instead: generation
// must never run against an artificially empty context when relevant
// material exists.
func (s *Searcher) SearchWithThreshold(ctx context.Context, ix *index.Index, query string, topK int, source string, minScore float64) ([]Chunk, error) {
	all, err := s.Search(ctx, ix, query, topK, source)
	if err != nil {
		return nil, err
	}

	var passing []Chunk
	for _, c := range all {
		if float64(c.Score) >= minScore {
			passing = append(passing, c)
		}
	}
	if len(passing) == 0 {
		return all, nil
	}
	return passing, nil
}

// AssembleContext concatenates chunk text in ranked order, blank-line separated.
func AssembleContext(chunks []Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, "\n\n")
}

func scoredToChunks(scored []index.ScoredRecord) []Chunk {
	chunks := make([]Chunk, len(scored))
	for i, s := range scored {
		chunks[i] = Chunk{
			ID:     s.ID,
			Source: s.Source,
			Text:   s.Text,
			Score:  s.Score,
		}
	}
	return chunks
}
