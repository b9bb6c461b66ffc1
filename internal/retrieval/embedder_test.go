package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// countingProvider returns a vector derived from the input index and records
// call counts.
type countingProvider struct {
	calls int
	fail  bool
}

func (c *countingProvider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	c.calls++
	if c.fail {
		return nil, errors.New("embed failed")
	}
	return []float32{float32(len(text))}, nil
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	p := &countingProvider{}
	e := NewEmbedder(p, "test-embed")

	texts := []string{"a", "bb", "ccc", "dddd"}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	for i, text := range texts {
		if vecs[i][0] != float32(len(text)) {
			t.Errorf("vecs[%d] = %v, want length-%d vector", i, vecs[i], len(text))
		}
	}
	if p.calls != len(texts) {
		t.Errorf("provider called %d times, want %d", p.calls, len(texts))
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	e := NewEmbedder(&countingProvider{}, "test-embed")
	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, want nil", vecs)
	}
}

func TestEmbedBatch_PropagatesError(t *testing.T) {
	e := NewEmbedder(&countingProvider{fail: true}, "test-embed")
	if _, err := e.EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error from failing provider")
	}
}

func TestEmbed_WrapsError(t *testing.T) {
	e := NewEmbedder(&countingProvider{fail: true}, "test-embed")
	_, err := e.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := fmt.Sprint(err); got == "embed failed" {
		t.Error("error should be wrapped with context")
	}
}
