package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avenna/biolit/internal/generate"
	"github.com/avenna/biolit/internal/retrieval"
	"github.com/avenna/biolit/internal/schema"
)

// GenerateRequest is the body of the structured generation endpoints.
type GenerateRequest struct {
	FileNames         []string `json:"file_names"`
	Model             string   `json:"model"`
	TopK              int      `json:"top_k"`
	ExtraInstructions string   `json:"extra_instructions"`
}

// TemplateRequest adds the declared field map for template generation.
type TemplateRequest struct {
	GenerateRequest
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields"`
}

func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var contract schema.Contract
		switch shape := chi.URLParam(r, "shape"); shape {
		case "description":
			contract = schema.Description()
		case "title":
			contract = schema.Title()
		case "keywords":
			contract = schema.Keywords()
		case "assays":
			contract = schema.Assays()
		default:
			httpError(w, http.StatusNotFound, "not_found", "unknown generation shape %q", shape)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		runGeneration(w, r, deps, req, contract)
	}
}

func handleGenerateTemplate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req TemplateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		contract, err := schema.FromTemplate(req.Name, req.Fields)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid template: %v", err)
			return
		}

		runGeneration(w, r, deps, req.GenerateRequest, contract)
	}
}

func runGeneration(w http.ResponseWriter, r *http.Request, deps Deps, req GenerateRequest, contract schema.Contract) {
	if len(req.FileNames) == 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "file_names is required and must not be empty")
		return
	}

	s := sessionFrom(r)
	binding, err := s.EnsureBinding()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to open the active collection: %v", err)
		return
	}
	defer binding.Release()

	result, err := deps.Generator.Run(r.Context(), binding, generate.Request{
		FileNames:         req.FileNames,
		Model:             req.Model,
		TopK:              req.TopK,
		ExtraInstructions: req.ExtraInstructions,
	}, contract)
	switch {
	case errors.Is(err, retrieval.ErrEmptyRetrieval):
		httpError(w, http.StatusNotFound, "not_found", "no relevant documents found for the requested files")
		return
	case errors.Is(err, generate.ErrSchemaExhausted):
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		return
	case err != nil:
		httpError(w, http.StatusBadGateway, "api_error", "generation failed: %v", err)
		return
	}

	writeJSON(w, result)
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Query string `json:"query"`
	Model string `json:"model"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		res, err := deps.Chat.Respond(r.Context(), sessionFrom(r), req.Query, req.Model)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "chat failed: %v", err)
			return
		}
		writeJSON(w, res)
	}
}

// chatTurn is the wire shape of one history entry.
type chatTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func handleChatHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		turns, err := deps.Chat.History(sessionFrom(r).ID())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load history: %v", err)
			return
		}

		out := make([]chatTurn, len(turns))
		for i, t := range turns {
			out[i] = chatTurn{Role: t.Role, Content: t.Content, CreatedAt: t.CreatedAt}
		}
		writeJSON(w, out)
	}
}
