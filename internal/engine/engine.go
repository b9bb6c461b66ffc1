// Package engine defines the capability interfaces for external model
// providers. Components depend on these interfaces instead of a concrete
// client, so tests can substitute in-memory fakes.
package engine

import "context"

// Generator abstracts a chat-style text completion provider. When jsonSchema
// is non-nil the provider is asked to constrain its output to that shape.
type Generator interface {
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)
}

// Embedder abstracts an embedding provider.
type Embedder interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Provider is the full provider surface: generation plus embedding.
// The Ollama client implements it.
type Provider interface {
	Generator
	Embedder
}
