package history

import (
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
	if len(v1) == 0 {
		t.Error("no migrations applied")
	}
}

func TestAppendAndTurns(t *testing.T) {
	s := openTestStore(t)

	if err := s.Append("sess-1", RoleUser, "what assays were run?"); err != nil {
		t.Fatalf("Append user: %v", err)
	}
	if err := s.Append("sess-1", RoleAssistant, "PCR and ELISA"); err != nil {
		t.Fatalf("Append assistant: %v", err)
	}
	if err := s.Append("sess-2", RoleUser, "unrelated"); err != nil {
		t.Fatalf("Append other session: %v", err)
	}

	turns, err := s.Turns("sess-1")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Role != RoleUser || turns[0].Content != "what assays were run?" {
		t.Errorf("turns[0] = %+v", turns[0])
	}
	if turns[1].Role != RoleAssistant || turns[1].Content != "PCR and ELISA" {
		t.Errorf("turns[1] = %+v", turns[1])
	}
	if turns[0].Seq >= turns[1].Seq {
		t.Errorf("turns not in insertion order: seq %d then %d", turns[0].Seq, turns[1].Seq)
	}
	if turns[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not recorded")
	}
}

func TestTurns_EmptySession(t *testing.T) {
	s := openTestStore(t)

	turns, err := s.Turns("never-seen")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("got %d turns for an unknown session, want 0", len(turns))
	}
}

func TestAppend_InvalidRole(t *testing.T) {
	s := openTestStore(t)

	err := s.Append("sess-1", "system", "nope")
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("err = %v, want ErrInvalidRole", err)
	}
}

func TestDeleteSession(t *testing.T) {
	s := openTestStore(t)

	if err := s.Append("sess-1", RoleUser, "hello"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append("sess-2", RoleUser, "keep me"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := s.DeleteSession("sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	turns, err := s.Turns("sess-1")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("deleted session still has %d turns", len(turns))
	}

	kept, err := s.Turns("sess-2")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("unrelated session lost turns: got %d, want 1", len(kept))
	}
}

func TestDeleteSession_NoHistory(t *testing.T) {
	s := openTestStore(t)

	if err := s.DeleteSession("never-seen"); err != nil {
		t.Fatalf("DeleteSession on empty session: %v", err)
	}
}
