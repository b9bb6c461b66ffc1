package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avenna/biolit/internal/engine"
)

// tokenPattern is the only shape a session token presented by a client may
// have. Anything else gets a fresh session instead of an error.
var tokenPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// HistoryPurger removes a session's conversation log when the session is
// swept. Implemented by history.Store.
type HistoryPurger interface {
	DeleteSession(sessionID string) error
}

// Registry maps session tokens to live sessions and owns their lifecycle.
// It is deliberately not persisted: a restart forgets every session, and the
// sweep reclaims the namespace directories left behind.
type Registry struct {
	dataDir    string
	embedder   engine.Embedder
	embedModel string
	purger     HistoryPurger

	mu         sync.Mutex
	sessions   map[string]*Session
	lastActive map[string]time.Time
	pinned     map[string]bool
}

// NewRegistry creates a Registry storing session namespaces under
// dataDir/sessions. purger may be nil.
func NewRegistry(dataDir string, embedder engine.Embedder, embedModel string, purger HistoryPurger) *Registry {
	return &Registry{
		dataDir:    filepath.Join(dataDir, "sessions"),
		embedder:   embedder,
		embedModel: embedModel,
		purger:     purger,
		sessions:   make(map[string]*Session),
		lastActive: make(map[string]time.Time),
		pinned:     make(map[string]bool),
	}
}

// ResolveOrCreate returns the session for token when the token is well formed,
// registered, and its namespace directory still exists. In every other case a
// fresh session is allocated. The second return reports whether the session
// is new.
func (r *Registry) ResolveOrCreate(token string) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if tokenPattern.MatchString(token) {
		if s, ok := r.sessions[token]; ok {
			if _, err := os.Stat(s.dir); err == nil {
				r.lastActive[token] = now
				return s, false, nil
			}
			// Namespace gone from under us, drop the stale entry.
			s.Close()
			delete(r.sessions, token)
			delete(r.lastActive, token)
		}
	}

	id := newSessionID()
	dir := filepath.Join(r.dataDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("creating session namespace: %w", err)
	}

	s := newSession(id, dir, r.embedder, r.embedModel, now)
	r.sessions[id] = s
	r.lastActive[id] = now
	return s, true, nil
}

// Get returns a registered session without touching its activity time.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Touch marks a session as active now. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		r.lastActive[id] = time.Now()
	}
}

// Pin exempts a registered session from the TTL sweep for the life of the
// process. Used for the MCP session, which has no cookie traffic to keep it
// alive.
func (r *Registry) Pin(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		r.pinned[id] = true
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep removes every session idle longer than ttl, along with its namespace
// directory and conversation history, then reclaims orphaned namespace
// directories no session owns. Pinned sessions are exempt. The registry lock
// is held only while expired entries are unlinked from the maps; filesystem
// and history cleanup runs outside it so requests never queue behind the
// sweep. Per-session failures are logged and do not stop the sweep. Returns
// the number of sessions removed.
func (r *Registry) Sweep(now time.Time, ttl time.Duration) int {
	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if r.pinned[id] || now.Sub(r.lastActive[id]) <= ttl {
			continue
		}
		delete(r.sessions, id)
		delete(r.lastActive, id)
		expired = append(expired, s)
	}
	registered := make(map[string]bool, len(r.sessions))
	for id := range r.sessions {
		registered[id] = true
	}
	r.mu.Unlock()

	for _, s := range expired {
		if err := s.destroy(); err != nil {
			slog.Warn("failed to remove session namespace", "session", s.id, "error", err)
		}
		if r.purger != nil {
			if err := r.purger.DeleteSession(s.id); err != nil {
				slog.Warn("failed to purge session history", "session", s.id, "error", err)
			}
		}
	}

	r.sweepOrphans(now, ttl, registered)
	return len(expired)
}

// sweepOrphans removes namespace directories left behind by sessions that are
// no longer registered (typically after a restart) once their last
// modification exceeds the TTL. registered is a snapshot of the ids the sweep
// must leave alone; directories created after the snapshot survive on their
// fresh modification time.
func (r *Registry) sweepOrphans(now time.Time, ttl time.Duration, registered map[string]bool) {
	entries, err := os.ReadDir(r.dataDir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to scan session namespaces", "error", err)
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if registered[id] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= ttl {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.dataDir, id)); err != nil {
			slog.Warn("failed to remove orphaned namespace", "session", id, "error", err)
			continue
		}
		if r.purger != nil {
			if err := r.purger.DeleteSession(id); err != nil {
				slog.Warn("failed to purge orphaned session history", "session", id, "error", err)
			}
		}
	}
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
