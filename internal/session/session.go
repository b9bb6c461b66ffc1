// Package session owns the per-visitor state of the service: the registry of
// live sessions and, inside each session, the document collections built from
// uploads. Sessions are an ephemeral routing layer; the indexes they point at
// live on disk and survive nothing but their TTL.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avenna/biolit/internal/engine"
	"github.com/avenna/biolit/internal/index"
	"github.com/avenna/biolit/internal/ingest"
	"github.com/avenna/biolit/internal/retrieval"
)

// DefaultCollectionID names the collection every session starts with. It backs
// general chat and can never be deleted.
const DefaultCollectionID = "default"

var (
	// ErrCollectionNotFound is returned when an operation targets a collection
	// id the session does not hold.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrDefaultCollection is returned on attempts to delete the default
	// collection.
	ErrDefaultCollection = errors.New("the default collection cannot be deleted")

	// ErrNoDocuments is returned when a collection is created from zero chunks.
	ErrNoDocuments = errors.New("no documents to index")
)

// chatPrompt is the system preamble carried by every binding.
const chatPrompt = "You are a research assistant answering questions about the user's uploaded documents. " +
	"Answer using the provided context. When the context does not contain the answer, say so plainly instead of guessing."

// FileInfo describes one source file contributing to a collection.
type FileInfo struct {
	Name     string `json:"name"`
	Filetype string `json:"filetype"`
	Chunks   int    `json:"chunks"`
}

// Collection is the metadata for one indexed document set. The vectors
// themselves live in the collection's on-disk index.
type Collection struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	EmbedModel string     `json:"embedding_model"`
	Files      []FileInfo `json:"files"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Binding is the ready-to-query view of the active collection: an open index
// plus the models and prompt needed to run retrieval and chat against it.
// It is derived state and is rebuilt whenever the active collection changes.
// Holders obtained through EnsureBinding must call Release when done; the
// index stays open until the binding is retired and the last holder is gone,
// so in-flight requests are never cut off by a concurrent collection switch.
type Binding struct {
	CollectionID string
	Index        *index.Index
	EmbedModel   string
	Prompt       string

	mu      sync.Mutex
	holders int
	retired bool
}

// Release returns a binding obtained from EnsureBinding. The index closes
// once the binding has been retired and no holders remain.
func (b *Binding) Release() {
	b.mu.Lock()
	b.holders--
	closeNow := b.retired && b.holders == 0
	b.mu.Unlock()
	if closeNow {
		b.Index.Close()
	}
}

func (b *Binding) acquire() {
	b.mu.Lock()
	b.holders++
	b.mu.Unlock()
}

// retire marks the binding obsolete. The index closes immediately when no
// holder has it, otherwise when the last Release lands.
func (b *Binding) retire() {
	b.mu.Lock()
	b.retired = true
	closeNow := b.holders == 0
	b.mu.Unlock()
	if closeNow {
		b.Index.Close()
	}
}

// Session holds one visitor's collections and their active binding.
type Session struct {
	id        string
	dir       string
	createdAt time.Time

	embedder   engine.Embedder
	embedModel string

	mu          sync.RWMutex
	collections map[string]*Collection
	activeID    string
	binding     *Binding
}

func newSession(id, dir string, embedder engine.Embedder, embedModel string, now time.Time) *Session {
	return &Session{
		id:          id,
		dir:         dir,
		createdAt:   now,
		embedder:    embedder,
		embedModel:  embedModel,
		collections: make(map[string]*Collection),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Initialize ensures the default collection exists and is active. Safe to
// call on every request.
func (s *Session) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[DefaultCollectionID]; ok {
		return nil
	}

	dir := s.collectionDir(DefaultCollectionID)
	ix, err := index.Open(dir)
	if err != nil {
		return fmt.Errorf("creating default collection: %w", err)
	}
	ix.Close()

	s.collections[DefaultCollectionID] = &Collection{
		ID:         DefaultCollectionID,
		Name:       "General",
		EmbedModel: s.embedModel,
		CreatedAt:  time.Now(),
	}
	s.activeID = DefaultCollectionID
	return nil
}

// CreateCollection embeds docs, builds a fresh index for them, records the
// collection, and makes it active. An empty embedModel falls back to the
// session's configured model. Re-using an existing id replaces that
// collection's contents.
func (s *Session) CreateCollection(ctx context.Context, id, name string, docs []ingest.Chunk, embedModel string) (*Collection, error) {
	if id == "" || id == DefaultCollectionID {
		return nil, fmt.Errorf("invalid collection id %q", id)
	}
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}
	model := embedModel
	if model == "" {
		model = s.embedModel
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	emb := retrieval.NewEmbedder(s.embedder, model)
	vectors, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}

	records := make([]index.Record, len(docs))
	for i, d := range docs {
		records[i] = index.Record{
			ID:        uuid.NewString(),
			Source:    d.Source,
			Filetype:  d.Filetype,
			Text:      d.Text,
			Embedding: vectors[i],
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.collectionDir(id)
	_, replacing := s.collections[id]

	// Replacements are built next to the live index and swapped in only once
	// populated, so a failed build leaves the existing contents untouched.
	buildDir := dir
	if replacing {
		buildDir = dir + ".build"
		if err := index.Destroy(buildDir); err != nil {
			return nil, fmt.Errorf("clearing stale build for %q: %w", id, err)
		}
	}

	ix, err := index.Open(buildDir)
	if err != nil {
		return nil, fmt.Errorf("creating collection index: %w", err)
	}
	if err := ix.Add(records); err != nil {
		ix.Close()
		index.Destroy(buildDir)
		return nil, fmt.Errorf("populating collection index: %w", err)
	}
	ix.Close()

	if replacing {
		if s.binding != nil && s.binding.CollectionID == id {
			s.dropBindingLocked()
		}
		if err := index.Destroy(dir); err != nil {
			index.Destroy(buildDir)
			return nil, fmt.Errorf("replacing collection %q: %w", id, err)
		}
		if err := os.Rename(buildDir, dir); err != nil {
			delete(s.collections, id)
			if s.activeID == id {
				s.activeID = DefaultCollectionID
			}
			return nil, fmt.Errorf("installing replacement for %q: %w", id, err)
		}
	}

	col := &Collection{
		ID:         id,
		Name:       name,
		EmbedModel: model,
		Files:      fileDescriptors(docs),
		CreatedAt:  time.Now(),
	}
	s.collections[id] = col
	s.activeID = id
	s.dropBindingLocked()
	return col, nil
}

// SetActive switches the active collection and invalidates the binding.
func (s *Session) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[id]; !ok {
		return fmt.Errorf("%w: %q", ErrCollectionNotFound, id)
	}
	if s.activeID == id {
		return nil
	}
	s.activeID = id
	s.dropBindingLocked()
	return nil
}

// Rename updates a collection's display name.
func (s *Session) Rename(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrCollectionNotFound, id)
	}
	col.Name = name
	return nil
}

// DeleteCollection removes a collection and its on-disk index. The default
// collection is protected. If the deleted collection was active, the session
// falls back to the default collection and the binding is rebuilt eagerly so
// the next chat request finds it ready.
func (s *Session) DeleteCollection(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == DefaultCollectionID {
		return ErrDefaultCollection
	}
	if _, ok := s.collections[id]; !ok {
		return fmt.Errorf("%w: %q", ErrCollectionNotFound, id)
	}

	wasActive := s.activeID == id
	if wasActive {
		s.dropBindingLocked()
	}
	if err := index.Destroy(s.collectionDir(id)); err != nil {
		return fmt.Errorf("removing collection %q: %w", id, err)
	}
	delete(s.collections, id)

	if wasActive {
		s.activeID = DefaultCollectionID
		if _, err := s.rebuildBindingLocked(); err != nil {
			return fmt.Errorf("rebinding to default collection: %w", err)
		}
	}
	return nil
}

// ExportCollection writes a zip archive of the collection's index directory.
func (s *Session) ExportCollection(id string, w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.collections[id]; !ok {
		return fmt.Errorf("%w: %q", ErrCollectionNotFound, id)
	}
	return index.Archive(s.collectionDir(id), w)
}

// Collections lists the session's collections, default excluded, newest first.
func (s *Session) Collections() []Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Collection, 0, len(s.collections))
	for id, col := range s.collections {
		if id == DefaultCollectionID {
			continue
		}
		out = append(out, *col)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ActiveCollection returns the metadata of the currently active collection.
func (s *Session) ActiveCollection() (Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[s.activeID]
	if !ok {
		return Collection{}, false
	}
	return *col, true
}

// Files returns the source-file descriptors of the active collection.
func (s *Session) Files() []FileInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[s.activeID]
	if !ok {
		return nil
	}
	out := make([]FileInfo, len(col.Files))
	copy(out, col.Files)
	return out
}

// EnsureBinding returns the binding for the active collection, rebuilding it
// if the active collection changed since the last call. Concurrent rebuild
// attempts collapse into one. The caller must Release the binding when done.
func (s *Session) EnsureBinding() (*Binding, error) {
	// Fast path: read lock for a current binding.
	s.mu.RLock()
	if s.binding != nil && s.binding.CollectionID == s.activeID {
		b := s.binding
		b.acquire()
		s.mu.RUnlock()
		return b, nil
	}
	s.mu.RUnlock()

	// Slow path: write lock for the rebuild.
	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock.
	if s.binding != nil && s.binding.CollectionID == s.activeID {
		s.binding.acquire()
		return s.binding, nil
	}
	b, err := s.rebuildBindingLocked()
	if err != nil {
		return nil, err
	}
	b.acquire()
	return b, nil
}

// Close releases the session's open index handle.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropBindingLocked()
}

// destroy closes the session and removes its namespace directory.
func (s *Session) destroy() error {
	s.Close()
	return os.RemoveAll(s.dir)
}

func (s *Session) rebuildBindingLocked() (*Binding, error) {
	col, ok := s.collections[s.activeID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, s.activeID)
	}

	s.dropBindingLocked()
	ix, err := index.Open(s.collectionDir(col.ID))
	if err != nil {
		return nil, fmt.Errorf("opening index for collection %q: %w", col.ID, err)
	}
	s.binding = &Binding{
		CollectionID: col.ID,
		Index:        ix,
		EmbedModel:   col.EmbedModel,
		Prompt:       chatPrompt,
	}
	return s.binding, nil
}

func (s *Session) dropBindingLocked() {
	if s.binding != nil {
		s.binding.retire()
		s.binding = nil
	}
}

func (s *Session) collectionDir(id string) string {
	return filepath.Join(s.dir, "collections", id)
}

func fileDescriptors(docs []ingest.Chunk) []FileInfo {
	byName := make(map[string]*FileInfo)
	var order []string
	for _, d := range docs {
		fi, ok := byName[d.Source]
		if !ok {
			fi = &FileInfo{Name: d.Source, Filetype: d.Filetype}
			byName[d.Source] = fi
			order = append(order, d.Source)
		}
		fi.Chunks++
	}
	out := make([]FileInfo, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out
}
