package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bilusteknoloji/envforge/internal/store"
)

func TestKVDirStoreGetOrSet(t *testing.T) {
	s, err := store.NewKVDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKVDirStore: %v", err)
	}

	key := store.BytesKey("hi")

	path, err := s.GetOrSet(key, func(dir string) error {
		return os.WriteFile(filepath.Join(dir, "file"), []byte("hello"), 0o644)
	})
	if err != nil {
		t.Fatalf("GetOrSet: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(path, "file"))
	if err != nil {
		t.Fatalf("reading published file: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}

	// second call must not re-invoke fill
	path2, err := s.GetOrSet(key, func(dir string) error {
		t.Fatal("fill must not run for an already-populated key")
		return nil
	})
	if err != nil {
		t.Fatalf("GetOrSet (cached): %v", err)
	}
	if path2 != path {
		t.Errorf("path changed between calls: %q vs %q", path, path2)
	}
}
