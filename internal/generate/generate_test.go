package generate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/avenna/biolit/internal/engine"
	"github.com/avenna/biolit/internal/index"
	"github.com/avenna/biolit/internal/retrieval"
	"github.com/avenna/biolit/internal/schema"
	"github.com/avenna/biolit/internal/session"
)

// fakeProvider scripts chat output and records what gets embedded. Calls with
// a schema constraint pop from generations; calls without one are query
// refinement and answer with refined.
type fakeProvider struct {
	refined     string
	refineErr   error
	generations []string
	generateErr error

	generateCalls int
	embedded      []string
}

func (f *fakeProvider) Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error) {
	if jsonSchema == nil {
		return f.refined, f.refineErr
	}
	f.generateCalls++
	if f.generateErr != nil {
		return "", f.generateErr
	}
	out := f.generations[0]
	if len(f.generations) > 1 {
		f.generations = f.generations[1:]
	}
	return out, nil
}

func (f *fakeProvider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	f.embedded = append(f.embedded, text)
	return []float32{1, 0, 0}, nil
}

func testBinding(t *testing.T) *session.Binding {
	t.Helper()
	ix, err := index.Open(":memory:")
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })

	records := []index.Record{
		{ID: "r1", Source: "paper.pdf", Text: "the study used PCR", Embedding: []float32{1, 0, 0}},
		{ID: "r2", Source: "paper.pdf", Text: "results were significant", Embedding: []float32{0.9, 0.1, 0}},
		{ID: "r3", Source: "other.csv", Text: "unrelated material", Embedding: []float32{0, 1, 0}},
	}
	if err := ix.Add(records); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return &session.Binding{CollectionID: "col-1", Index: ix, EmbedModel: "test-embed"}
}

func newTestGenerator(p *fakeProvider) *Generator {
	return New(p, "test-chat", 3, 0.65)
}

func TestRun_ValidFirstAttempt(t *testing.T) {
	p := &fakeProvider{refined: "study assays", generations: []string{`{"title":"Calcium Uptake in Mice"}`}}
	g := newTestGenerator(p)

	result, err := g.Run(context.Background(), testBinding(t), Request{FileNames: []string{"paper.pdf"}}, schema.Title())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result["title"] != "Calcium Uptake in Mice" {
		t.Errorf("title = %v", result["title"])
	}
	if p.generateCalls != 1 {
		t.Errorf("generate called %d times, want 1", p.generateCalls)
	}
}

func TestRun_RetriesUntilValid(t *testing.T) {
	p := &fakeProvider{
		refined: "study title",
		generations: []string{
			"not json at all",
			`{"wrong":"field"}`,
			`{"title":"Third Time Lucky"}`,
		},
	}
	g := newTestGenerator(p)

	result, err := g.Run(context.Background(), testBinding(t), Request{FileNames: []string{"paper.pdf"}}, schema.Title())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result["title"] != "Third Time Lucky" {
		t.Errorf("title = %v", result["title"])
	}
	if p.generateCalls != 3 {
		t.Errorf("generate called %d times, want 3", p.generateCalls)
	}
}

func TestRun_RetrievalNotRerunAcrossAttempts(t *testing.T) {
	p := &fakeProvider{refined: "study title", generations: []string{"garbage"}}
	g := newTestGenerator(p)

	_, err := g.Run(context.Background(), testBinding(t), Request{FileNames: []string{"paper.pdf"}}, schema.Title())
	if !errors.Is(err, ErrSchemaExhausted) {
		t.Fatalf("err = %v, want ErrSchemaExhausted", err)
	}
	if p.generateCalls != 5 {
		t.Errorf("generate called %d times, want 5", p.generateCalls)
	}
	// One query embedding total, regardless of generation retries.
	if len(p.embedded) != 1 {
		t.Errorf("embedded %d times, want 1", len(p.embedded))
	}
}

func TestRun_EmptyRetrievalShortCircuits(t *testing.T) {
	p := &fakeProvider{refined: "study title", generations: []string{`{"title":"x"}`}}
	g := newTestGenerator(p)

	_, err := g.Run(context.Background(), testBinding(t), Request{FileNames: []string{"missing.docx"}}, schema.Title())
	if !errors.Is(err, retrieval.ErrEmptyRetrieval) {
		t.Fatalf("err = %v, want ErrEmptyRetrieval", err)
	}
	if p.generateCalls != 0 {
		t.Errorf("generate called %d times for empty retrieval, want 0", p.generateCalls)
	}
}

func TestRun_GenerateErrorStopsRetries(t *testing.T) {
	wantErr := errors.New("provider down")
	p := &fakeProvider{refined: "study title", generateErr: wantErr}
	g := newTestGenerator(p)

	_, err := g.Run(context.Background(), testBinding(t), Request{FileNames: []string{"paper.pdf"}}, schema.Title())
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped provider error", err)
	}
	if errors.Is(err, ErrSchemaExhausted) {
		t.Error("provider failure misreported as schema exhaustion")
	}
	if p.generateCalls != 1 {
		t.Errorf("generate called %d times, want 1", p.generateCalls)
	}
}

func TestRefineQuery_StripsQuotes(t *testing.T) {
	p := &fakeProvider{refined: `  "mouse assays"  `, generations: []string{`{"title":"x"}`}}
	g := newTestGenerator(p)

	if _, err := g.Run(context.Background(), testBinding(t), Request{FileNames: []string{"paper.pdf"}}, schema.Title()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(p.embedded) != 1 || p.embedded[0] != "mouse assays" {
		t.Errorf("embedded query = %v, want [mouse assays]", p.embedded)
	}
}

func TestRefineQuery_FallsBackToTask(t *testing.T) {
	p := &fakeProvider{refineErr: errors.New("down"), generations: []string{`{"title":"x"}`}}
	g := newTestGenerator(p)

	contract := schema.Title()
	if _, err := g.Run(context.Background(), testBinding(t), Request{FileNames: []string{"paper.pdf"}}, contract); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(p.embedded) != 1 || !strings.Contains(p.embedded[0], contract.Task) {
		t.Errorf("fallback query = %v, want the task text", p.embedded)
	}
}
