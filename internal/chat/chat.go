// Package chat answers free-text questions against a session's active
// collection, carrying the prior conversation into every prompt.
package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/avenna/biolit/internal/engine"
	"github.com/avenna/biolit/internal/history"
	"github.com/avenna/biolit/internal/retrieval"
	"github.com/avenna/biolit/internal/session"
)

// Store is the slice of the conversation store the orchestrator needs.
// Implemented by history.Store.
type Store interface {
	Append(sessionID, role, content string) error
	Turns(sessionID string) ([]history.Turn, error)
}

// Result is one chat exchange outcome. ActiveCollection carries the display
// name of the collection that answered, or "" when the session is in general
// chat against the default collection.
type Result struct {
	Answer           string `json:"answer"`
	ActiveCollection string `json:"active_collection"`
}

// Orchestrator wires retrieval, history, and the provider into chat turns.
type Orchestrator struct {
	provider  engine.Provider
	store     Store
	chatModel string
	topK      int
}

// New creates an Orchestrator using chatModel for answers.
func New(provider engine.Provider, store Store, chatModel string, topK int) *Orchestrator {
	return &Orchestrator{
		provider:  provider,
		store:     store,
		chatModel: chatModel,
		topK:      topK,
	}
}

// Respond answers query against s's active collection. The user turn is
// recorded before generation so a provider failure still leaves the question
// in the log. An empty model falls back to the configured chat model.
func (o *Orchestrator) Respond(ctx context.Context, s *session.Session, query, model string) (Result, error) {
	if model == "" {
		model = o.chatModel
	}
	if err := s.Initialize(); err != nil {
		return Result{}, err
	}
	b, err := s.EnsureBinding()
	if err != nil {
		return Result{}, err
	}
	defer b.Release()

	prior, err := o.store.Turns(s.ID())
	if err != nil {
		return Result{}, fmt.Errorf("loading conversation: %w", err)
	}
	if err := o.store.Append(s.ID(), history.RoleUser, query); err != nil {
		return Result{}, fmt.Errorf("recording question: %w", err)
	}

	searcher := retrieval.NewSearcher(retrieval.NewEmbedder(o.provider, b.EmbedModel))
	chunks, err := searcher.Search(ctx, b.Index, query, o.topK, "")
	if err != nil {
		return Result{}, fmt.Errorf("retrieving context: %w", err)
	}

	messages := []engine.Message{
		{Role: "system", Content: systemPrompt(b.Prompt, prior, chunks)},
		{Role: "user", Content: query},
	}
	answer, err := o.provider.Chat(ctx, model, messages, nil)
	if err != nil {
		return Result{}, fmt.Errorf("generating answer: %w", err)
	}

	if err := o.store.Append(s.ID(), history.RoleAssistant, answer); err != nil {
		return Result{}, fmt.Errorf("recording answer: %w", err)
	}

	return Result{Answer: answer, ActiveCollection: activeName(s)}, nil
}

// History returns the session's conversation log.
func (o *Orchestrator) History(sessionID string) ([]history.Turn, error) {
	return o.store.Turns(sessionID)
}

// AppendTurn records a turn without generating, used when a client replays
// state it produced elsewhere.
func (o *Orchestrator) AppendTurn(sessionID, role, content string) error {
	return o.store.Append(sessionID, role, content)
}

// systemPrompt assembles the system message: preamble, then the prior
// conversation, then the retrieved chunks.
func systemPrompt(preamble string, prior []history.Turn, chunks []retrieval.Chunk) string {
	var sb strings.Builder
	sb.WriteString(preamble)

	if len(prior) > 0 {
		sb.WriteString("\n\nPrevious conversation:\n")
		for _, t := range prior {
			speaker := "Human"
			if t.Role == history.RoleAssistant {
				speaker = "Assistant"
			}
			sb.WriteString(speaker)
			sb.WriteString(": ")
			sb.WriteString(t.Content)
			sb.WriteString("\n")
		}
	}

	if len(chunks) > 0 {
		sb.WriteString("\n\nContext:\n\n")
		sb.WriteString(retrieval.AssembleContext(chunks))
	}
	return sb.String()
}

func activeName(s *session.Session) string {
	col, ok := s.ActiveCollection()
	if !ok || col.ID == session.DefaultCollectionID {
		return ""
	}
	return col.Name
}
