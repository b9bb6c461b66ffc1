// Package api exposes the service over HTTP: cookie-scoped sessions, the
// collection lifecycle, structured generation, and chat.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avenna/biolit/internal/chat"
	"github.com/avenna/biolit/internal/generate"
	"github.com/avenna/biolit/internal/session"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxIngestBodySize = 50 << 20 // 50MB

// Deps holds everything the HTTP layer needs.
type Deps struct {
	Registry   *session.Registry
	Chat       *chat.Orchestrator
	Generator  *generate.Generator
	SessionTTL time.Duration
}

// NewHandler returns the service's HTTP handler. Every /api route runs behind
// the session cookie middleware.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(SessionCookie(deps.Registry, deps.SessionTTL))

		r.Get("/collections", handleListCollections())
		r.Post("/collections/{id}/load", handleLoadCollection())
		r.Get("/collections/{id}/export", handleExportCollection())
		r.Delete("/collections/{id}", handleDeleteCollection())
		r.Put("/collections/{id}", handleRenameCollection())

		r.Post("/ingest", handleIngest(deps))
		r.Get("/files", handleListFiles())

		r.Post("/generate/template", handleGenerateTemplate(deps))
		r.Post("/generate/{shape}", handleGenerate(deps))

		r.Post("/chat", handleChat(deps))
		r.Get("/chat/history", handleChatHistory(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
