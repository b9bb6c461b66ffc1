package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/avenna/biolit/internal/ingest"
	"github.com/avenna/biolit/internal/session"
)

func handleListCollections() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cols := sessionFrom(r).Collections()
		if cols == nil {
			cols = []session.Collection{}
		}
		writeJSON(w, cols)
	}
}

func handleLoadCollection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := sessionFrom(r).SetActive(id); err != nil {
			if errors.Is(err, session.ErrCollectionNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "collection %q not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to activate collection: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "active", "id": id})
	}
}

func handleExportCollection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s := sessionFrom(r)

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
		if err := s.ExportCollection(id, w); err != nil {
			if errors.Is(err, session.ErrCollectionNotFound) {
				w.Header().Del("Content-Type")
				w.Header().Del("Content-Disposition")
				httpError(w, http.StatusNotFound, "not_found", "collection %q not found", id)
				return
			}
			// Headers may already be out; log instead of rewriting the status.
			slog.Error("collection export failed", "collection", id, "error", err)
		}
	}
}

func handleDeleteCollection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := sessionFrom(r).DeleteCollection(id)
		switch {
		case errors.Is(err, session.ErrDefaultCollection):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "the default collection cannot be deleted")
			return
		case errors.Is(err, session.ErrCollectionNotFound):
			httpError(w, http.StatusNotFound, "not_found", "collection %q not found", id)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete collection: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleRenameCollection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		if err := sessionFrom(r).Rename(id, req.Name); err != nil {
			if errors.Is(err, session.ErrCollectionNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "collection %q not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to rename collection: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "renamed", "id": id, "name": req.Name})
	}
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		if err := r.ParseMultipartForm(maxIngestBodySize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart request: %v", err)
			return
		}

		files := r.MultipartForm.File["files"]
		if len(files) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one file is required")
			return
		}

		var docs []ingest.Chunk
		var skipped []string
		for _, fh := range files {
			f, err := fh.Open()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to open %q: %v", fh.Filename, err)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to read %q: %v", fh.Filename, err)
				return
			}

			chunks, err := ingest.File(fh.Filename, data)
			if errors.Is(err, ingest.ErrUnsupportedType) {
				slog.Warn("skipping unsupported upload", "file", fh.Filename)
				skipped = append(skipped, fh.Filename)
				continue
			}
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to process %q: %v", fh.Filename, err)
				return
			}
			docs = append(docs, chunks...)
		}
		if len(docs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no processable documents in the upload")
			return
		}

		id := r.FormValue("collection_id")
		if id == "" {
			id = uuid.New().String()
		}
		name := r.FormValue("name")
		if name == "" {
			name = files[0].Filename
		}

		col, err := sessionFrom(r).CreateCollection(r.Context(), id, name, docs, r.FormValue("embedding_model"))
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to build collection: %v", err)
			return
		}

		writeJSON(w, map[string]any{
			"collection": col,
			"skipped":    skipped,
		})
	}
}

func handleListFiles() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files := sessionFrom(r).Files()
		if files == nil {
			files = []session.FileInfo{}
		}
		writeJSON(w, files)
	}
}
