// Package generate runs the retrieve-then-generate pipeline for structured
// outputs: refine the task into a search query, pull context from the active
// collection, ask the provider for schema-constrained JSON, and validate the
// result against the contract, retrying generation alone when validation
// fails.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/avenna/biolit/internal/engine"
	"github.com/avenna/biolit/internal/retrieval"
	"github.com/avenna/biolit/internal/schema"
	"github.com/avenna/biolit/internal/session"
)

// maxAttempts bounds the generate-validate loop per request.
const maxAttempts = 5

// ErrSchemaExhausted is returned when every generation attempt produced
// output the contract rejected.
var ErrSchemaExhausted = errors.New("provider output failed validation on every attempt")

// Request parameterizes one structured generation run.
type Request struct {
	// FileNames scope retrieval to these source files. Empty means the whole
	// collection.
	FileNames []string
	// Model overrides the configured chat model when non-empty.
	Model string
	// TopK overrides the configured per-file retrieval depth when positive.
	TopK int
	// ExtraInstructions are appended to the contract's task verbatim.
	ExtraInstructions string
}

// Generator executes structured generation against a session's bound
// collection.
type Generator struct {
	provider  engine.Provider
	chatModel string
	topK      int
	minScore  float64
}

// New creates a Generator with the service-wide retrieval defaults.
func New(provider engine.Provider, chatModel string, topK int, minScore float64) *Generator {
	return &Generator{
		provider:  provider,
		chatModel: chatModel,
		topK:      topK,
		minScore:  minScore,
	}
}

// Run executes the full pipeline and returns the validated field map.
// Retrieval happens exactly once; only the generate call is retried.
func (g *Generator) Run(ctx context.Context, b *session.Binding, req Request, contract schema.Contract) (map[string]any, error) {
	model := req.Model
	if model == "" {
		model = g.chatModel
	}
	topK := req.TopK
	if topK <= 0 {
		topK = g.topK
	}

	query := g.refineQuery(ctx, model, contract, req.ExtraInstructions)

	contextText, err := g.retrieve(ctx, b, query, topK, req.FileNames)
	if err != nil {
		return nil, err
	}

	prompt := buildPrompt(contract, req.ExtraInstructions, contextText)
	messages := []engine.Message{{Role: "user", Content: prompt}}
	format := contract.Format()

	var lastValidation error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		raw, err := g.provider.Chat(ctx, model, messages, format)
		if err != nil {
			return nil, fmt.Errorf("generating %s: %w", contract.Name, err)
		}
		result, err := contract.Validate(raw)
		if err == nil {
			return result, nil
		}
		lastValidation = err
	}
	return nil, fmt.Errorf("%w (%d attempts): %w", ErrSchemaExhausted, maxAttempts, lastValidation)
}

// refineQuery asks the provider to compress the task into a short search
// phrase. On any failure the contract's task text serves as the query.
func (g *Generator) refineQuery(ctx context.Context, model string, contract schema.Contract, extra string) string {
	task := contract.Task
	if extra != "" {
		task += " " + extra
	}

	prompt := "Condense the following task into a search phrase of 2 to 5 words " +
		"suitable for semantic document search. Respond with the phrase only, no quotes.\n\n" + task
	raw, err := g.provider.Chat(ctx, model, []engine.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		return task
	}

	phrase := strings.TrimSpace(raw)
	phrase = strings.Trim(phrase, `"'`)
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return task
	}
	return phrase
}

// retrieve runs one threshold search per target file and assembles the
// aggregated context. When no file yields anything, ErrEmptyRetrieval is
// returned and generation must not run.
func (g *Generator) retrieve(ctx context.Context, b *session.Binding, query string, topK int, fileNames []string) (string, error) {
	searcher := retrieval.NewSearcher(retrieval.NewEmbedder(g.provider, b.EmbedModel))

	sources := fileNames
	if len(sources) == 0 {
		sources = []string{""}
	}

	var all []retrieval.Chunk
	for _, source := range sources {
		chunks, err := searcher.SearchWithThreshold(ctx, b.Index, query, topK, source, g.minScore)
		if err != nil {
			return "", fmt.Errorf("retrieving context for %q: %w", source, err)
		}
		all = append(all, chunks...)
	}
	if len(all) == 0 {
		return "", retrieval.ErrEmptyRetrieval
	}
	return retrieval.AssembleContext(all), nil
}

func buildPrompt(contract schema.Contract, extra, contextText string) string {
	var sb strings.Builder
	sb.WriteString(contract.Instructions())
	if extra != "" {
		sb.WriteString(extra)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Context:\n\n")
	sb.WriteString(contextText)
	return sb.String()
}
