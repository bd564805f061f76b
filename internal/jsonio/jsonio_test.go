package jsonio

import (
	"os"
	"path/filepath"
	"testing"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "doc.json")
	if err := Write(path, doc{Name: "alpha", Count: 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got doc
	if err := Read(path, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Name != "alpha" || got.Count != 3 {
		t.Fatalf("got %+v", got)
	}
}

func TestWriteReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	if err := Write(path, doc{Name: "first"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Write(path, doc{Name: "second"}); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	var got doc
	if err := Read(path, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Name != "second" {
		t.Fatalf("got %+v", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestReadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	var got doc
	if err := Read(path, &got); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	if Exists(path) {
		t.Fatal("missing file reported as existing")
	}
	if err := Write(path, doc{}); err != nil {
		t.Fatal(err)
	}
	if !Exists(path) {
		t.Fatal("written file reported as missing")
	}
	if Exists(dir) {
		t.Fatal("directory reported as a regular file")
	}
}
