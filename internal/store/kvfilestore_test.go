package store_test

import (
	"fmt"
	"io"
	"testing"

	"github.com/bilusteknoloji/envforge/internal/store"
)

func slurp(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	return string(b)
}

func TestKVFileStoreGetOrSet(t *testing.T) {
	s, err := store.NewKVFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKVFileStore: %v", err)
	}

	hi := store.BytesKey("hi")

	f, err := s.GetOrSet(hi, func(w io.Writer) error {
		_, err := w.Write([]byte("hello"))
		return err
	})
	if err != nil {
		t.Fatalf("GetOrSet: %v", err)
	}
	if got := slurp(t, f); got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
	f.Close()

	// a second GetOrSet with the same key must not invoke fill again
	f, err = s.GetOrSet(hi, func(w io.Writer) error {
		return fmt.Errorf("fill must not run for an already-populated key")
	})
	if err != nil {
		t.Fatalf("GetOrSet (cached): %v", err)
	}
	if got := slurp(t, f); got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
	f.Close()
}

func TestKVFileStoreGetMiss(t *testing.T) {
	s, err := store.NewKVFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKVFileStore: %v", err)
	}

	if _, ok := s.Get(store.BytesKey("bye")); ok {
		t.Error("expected miss for an unwritten key")
	}
	if _, ok := s.LockIfExists(store.BytesKey("bye")); ok {
		t.Error("LockIfExists should not create a lock file for a never-written key")
	}
}

func TestKVFileStoreOverwrite(t *testing.T) {
	s, err := store.NewKVFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKVFileStore: %v", err)
	}
	key := store.BytesKey("my key")

	write := func(content string) {
		lock, err := s.Lock(key)
		if err != nil {
			t.Fatalf("Lock: %v", err)
		}
		defer lock.Close()
		w, err := lock.Begin()
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		w.Write([]byte(content))
		if _, err := w.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	write("gen 1")
	write("gen 2")

	f, ok := s.Get(key)
	if !ok {
		t.Fatal("expected a value after two writes")
	}
	if got := slurp(t, f); got != "gen 2" {
		t.Errorf("got %q, want %q", got, "gen 2")
	}
}

func TestHashKeyPath(t *testing.T) {
	k1 := store.HashKey{Algorithm: "sha256", Digest: []byte{1, 2, 3, 4}}
	k2 := store.HashKey{Algorithm: "sha256", Digest: []byte{1, 2, 3, 4}}
	if k1.StoreKey() != k2.StoreKey() {
		t.Error("same hash key should produce the same store path")
	}
	k3 := store.HashKey{Algorithm: "sha256", Digest: []byte{5, 6, 7, 8}}
	if k1.StoreKey() == k3.StoreKey() {
		t.Error("different digests should produce different store paths")
	}
}
