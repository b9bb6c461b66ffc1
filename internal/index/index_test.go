package index

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// vec builds a deterministic unit-ish embedding for tests.
func vec(vals ...float32) []float32 { return vals }

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func seed(t *testing.T, ix *Index) {
	t.Helper()
	records := []Record{
		{ID: "a1", Source: "a.csv", Filetype: "csv", Text: "alpha row", Embedding: vec(1, 0, 0)},
		{ID: "a2", Source: "a.csv", Filetype: "csv", Text: "alpha row two", Embedding: vec(0.9, 0.1, 0)},
		{ID: "b1", Source: "b.pdf", Filetype: "pdf", Text: "beta page", Embedding: vec(0, 1, 0)},
	}
	if err := ix.Add(records); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func TestAddAndCount(t *testing.T) {
	ix := openTestIndex(t)
	seed(t, ix)

	n, err := ix.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func TestSearch_RankedByScore(t *testing.T) {
	ix := openTestIndex(t)
	seed(t, ix)

	results, err := ix.Search(vec(1, 0, 0), 3, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].ID != "a1" {
		t.Errorf("results[0].ID = %q, want a1", results[0].ID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted by score: %v > %v at %d", results[i].Score, results[i-1].Score, i)
		}
	}
}

func TestSearch_SourceFilterIsolation(t *testing.T) {
	ix := openTestIndex(t)
	seed(t, ix)

	results, err := ix.Search(vec(1, 0, 0), 5, "a.csv")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Source != "a.csv" {
			t.Errorf("result from source %q leaked through filter", r.Source)
		}
	}
}

func TestSearch_UnknownSource(t *testing.T) {
	ix := openTestIndex(t)
	seed(t, ix)

	results, err := ix.Search(vec(1, 0, 0), 5, "c.docx")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results for unknown source, want 0", len(results))
	}
}

func TestSearch_TopKBound(t *testing.T) {
	ix := openTestIndex(t)
	seed(t, ix)

	results, err := ix.Search(vec(1, 0, 0), 1, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
}

func TestSearch_ZeroVector(t *testing.T) {
	ix := openTestIndex(t)
	seed(t, ix)

	results, err := ix.Search(vec(0, 0, 0), 3, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Errorf("zero query vector should yield nil, got %v", results)
	}
}

func TestSources(t *testing.T) {
	ix := openTestIndex(t)
	seed(t, ix)

	sources, err := ix.Sources()
	if err != nil {
		t.Fatalf("Sources: %v", err)
	}
	want := []string{"a.csv", "b.pdf"}
	if len(sources) != len(want) {
		t.Fatalf("Sources = %v, want %v", sources, want)
	}
	for i := range want {
		if sources[i] != want[i] {
			t.Errorf("Sources[%d] = %q, want %q", i, sources[i], want[i])
		}
	}
}

func TestOpenPersistsAndDestroy(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "coll")

	ix, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ix.Add([]Record{{ID: "x", Source: "f.txt", Text: "t", Embedding: vec(1)}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ix.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen and verify the record survived.
	ix2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	n, err := ix2.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count after reopen = %d, want 1", n)
	}
	ix2.Close()

	if err := Destroy(dir); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("index dir still exists after Destroy")
	}
}

func TestArchive_ContainsIndexFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "coll")
	ix, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ix.Add([]Record{{ID: "x", Source: "f.txt", Text: "t", Embedding: vec(1)}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ix.Close()

	var buf bytes.Buffer
	if err := Archive(dir, &buf); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	found := false
	for _, f := range zr.File {
		if f.Name == dbFileName {
			found = true
		}
	}
	if !found {
		t.Errorf("archive missing %s; entries: %v", dbFileName, zr.File)
	}
}

func TestArchive_MissingDir(t *testing.T) {
	var buf bytes.Buffer
	if err := Archive(filepath.Join(t.TempDir(), "nope"), &buf); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
