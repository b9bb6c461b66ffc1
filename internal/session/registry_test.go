package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// recordingPurger collects the session ids whose history was purged.
type recordingPurger struct {
	purged []string
}

func (p *recordingPurger) DeleteSession(sessionID string) error {
	p.purged = append(p.purged, sessionID)
	return nil
}

// blockingPurger stalls DeleteSession until released.
type blockingPurger struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPurger) DeleteSession(string) error {
	p.entered <- struct{}{}
	<-p.release
	return nil
}

func TestResolveOrCreate_FreshForBadToken(t *testing.T) {
	r := NewRegistry(t.TempDir(), fakeEmbedder{}, "test-embed", nil)

	for _, token := range []string{"", "short", "NOT-HEX-AT-ALL-BUT-32-CHARS-LONG", "ABCDEF0123456789ABCDEF0123456789"} {
		s, fresh, err := r.ResolveOrCreate(token)
		if err != nil {
			t.Fatalf("ResolveOrCreate(%q): %v", token, err)
		}
		if !fresh {
			t.Errorf("token %q resolved to an existing session", token)
		}
		if !tokenPattern.MatchString(s.ID()) {
			t.Errorf("fresh id %q is not 32 lowercase hex chars", s.ID())
		}
		if _, err := os.Stat(s.dir); err != nil {
			t.Errorf("namespace for %q not created: %v", s.ID(), err)
		}
	}
}

func TestResolveOrCreate_ReturnsRegistered(t *testing.T) {
	r := NewRegistry(t.TempDir(), fakeEmbedder{}, "test-embed", nil)

	s1, _, err := r.ResolveOrCreate("")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}

	s2, fresh, err := r.ResolveOrCreate(s1.ID())
	if err != nil {
		t.Fatalf("ResolveOrCreate(existing): %v", err)
	}
	if fresh {
		t.Error("registered token treated as fresh")
	}
	if s1 != s2 {
		t.Error("registered token resolved to a different session")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestResolveOrCreate_UnregisteredTokenGetsFreshID(t *testing.T) {
	r := NewRegistry(t.TempDir(), fakeEmbedder{}, "test-embed", nil)

	token := "0123456789abcdef0123456789abcdef"
	s, fresh, err := r.ResolveOrCreate(token)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if !fresh {
		t.Error("unregistered token resolved to an existing session")
	}
	if s.ID() == token {
		t.Error("unregistered token must not be adopted as the session id")
	}
}

func TestResolveOrCreate_MissingNamespace(t *testing.T) {
	r := NewRegistry(t.TempDir(), fakeEmbedder{}, "test-embed", nil)

	s1, _, err := r.ResolveOrCreate("")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if err := os.RemoveAll(s1.dir); err != nil {
		t.Fatalf("removing namespace: %v", err)
	}

	s2, fresh, err := r.ResolveOrCreate(s1.ID())
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if !fresh || s2.ID() == s1.ID() {
		t.Error("session with a missing namespace was resolved instead of replaced")
	}
}

func TestSweep_RemovesIdleSessions(t *testing.T) {
	purger := &recordingPurger{}
	r := NewRegistry(t.TempDir(), fakeEmbedder{}, "test-embed", purger)

	s, _, err := r.ResolveOrCreate("")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}

	ttl := 24 * time.Hour
	removed := r.Sweep(time.Now().Add(ttl+time.Minute), ttl)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after sweep, want 0", r.Len())
	}
	if _, err := os.Stat(s.dir); !os.IsNotExist(err) {
		t.Error("namespace directory survived the sweep")
	}
	if len(purger.purged) != 1 || purger.purged[0] != s.ID() {
		t.Errorf("purged = %v, want [%s]", purger.purged, s.ID())
	}
}

func TestSweep_KeepsActiveSessions(t *testing.T) {
	r := NewRegistry(t.TempDir(), fakeEmbedder{}, "test-embed", nil)

	if _, _, err := r.ResolveOrCreate(""); err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}

	if removed := r.Sweep(time.Now(), 24*time.Hour); removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestSweep_DoesNotBlockResolve(t *testing.T) {
	purger := &blockingPurger{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := NewRegistry(t.TempDir(), fakeEmbedder{}, "test-embed", purger)

	if _, _, err := r.ResolveOrCreate(""); err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}

	ttl := time.Hour
	done := make(chan struct{})
	go func() {
		r.Sweep(time.Now().Add(2*ttl), ttl)
		close(done)
	}()

	// Wait until the sweep is stuck inside the purge.
	<-purger.entered

	resolved := make(chan error, 1)
	go func() {
		_, _, err := r.ResolveOrCreate("")
		resolved <- err
	}()

	select {
	case err := <-resolved:
		if err != nil {
			t.Fatalf("ResolveOrCreate during sweep: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ResolveOrCreate queued behind the sweep")
	}

	close(purger.release)
	<-done
}

func TestSweep_KeepsPinnedSessions(t *testing.T) {
	r := NewRegistry(t.TempDir(), fakeEmbedder{}, "test-embed", nil)

	s, _, err := r.ResolveOrCreate("")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := s.CreateCollection(context.Background(), "col-1", "One", sampleDocs(), ""); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	r.Pin(s.ID())

	ttl := 24 * time.Hour
	if removed := r.Sweep(time.Now().Add(ttl+time.Hour), ttl); removed != 0 {
		t.Fatalf("pinned session was swept (removed = %d)", removed)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d after sweep, want 1", r.Len())
	}

	b, err := s.EnsureBinding()
	if err != nil {
		t.Fatalf("EnsureBinding after sweep: %v", err)
	}
	defer b.Release()
	n, err := b.Index.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("index holds %d records after sweep, want 3", n)
	}
}

func TestSweep_ReclaimsOrphanedNamespaces(t *testing.T) {
	dataDir := t.TempDir()
	r := NewRegistry(dataDir, fakeEmbedder{}, "test-embed", nil)

	// An unregistered namespace, as left behind by a previous process.
	orphan := filepath.Join(dataDir, "sessions", "deadbeefdeadbeefdeadbeefdeadbeef")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("creating orphan: %v", err)
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(orphan, stale, stale); err != nil {
		t.Fatalf("backdating orphan: %v", err)
	}

	r.Sweep(time.Now(), 24*time.Hour)

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphaned namespace survived the sweep")
	}
}

func TestTouch_ExtendsLifetime(t *testing.T) {
	r := NewRegistry(t.TempDir(), fakeEmbedder{}, "test-embed", nil)

	s, _, err := r.ResolveOrCreate("")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}

	ttl := time.Hour
	deadline := time.Now().Add(ttl - time.Minute)

	r.mu.Lock()
	r.lastActive[s.ID()] = time.Now().Add(-2 * ttl)
	r.mu.Unlock()
	r.Touch(s.ID())

	if removed := r.Sweep(deadline, ttl); removed != 0 {
		t.Errorf("touched session was swept (removed = %d)", removed)
	}
}
