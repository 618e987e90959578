package lazyfile_test

import (
	"bytes"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bilusteknoloji/envforge/internal/lazyfile"
)

func TestNewAndReadFromEnd(t *testing.T) {
	data := make([]byte, 13000*3)
	copy(data[0:13000], bytes.Repeat([]byte{0}, 13000))
	copy(data[13000:26000], bytes.Repeat([]byte{1}, 13000))
	copy(data[26000:39000], bytes.Repeat([]byte{2}, 13000))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "blobby", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)

	lazy, err := lazyfile.New(srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	end, err := lazy.Seek(0, io.SeekEnd)
	if err != nil {
		t.Fatalf("Seek(End): %v", err)
	}
	if end != int64(len(data)) {
		t.Fatalf("length = %d, want %d", end, len(data))
	}

	if _, err := lazy.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek(Start): %v", err)
	}

	if _, err := lazy.Seek(-10, io.SeekEnd); err != nil {
		t.Fatalf("Seek(End-10): %v", err)
	}
	buf := make([]byte, 1000)
	n, err := lazy.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 10 {
		t.Fatalf("n = %d, want 10", n)
	}
	for _, b := range buf[:10] {
		if b != 2 {
			t.Fatalf("expected trailing bytes to be 2, got %d", b)
		}
	}

	if _, err := lazy.Seek(5000, io.SeekStart); err != nil {
		t.Fatalf("Seek(5000): %v", err)
	}
	buf = make([]byte, 1000)
	if _, err := io.ReadFull(lazy, buf); err != nil {
		t.Fatalf("ReadFull at 5000: %v", err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatalf("expected bytes at 5000 to be 0, got %d", b)
		}
	}

	if _, err := lazy.Seek(12900, io.SeekStart); err != nil {
		t.Fatalf("Seek(12900): %v", err)
	}
	buf = make([]byte, 1000)
	if _, err := io.ReadFull(lazy, buf); err != nil {
		t.Fatalf("ReadFull at 12900: %v", err)
	}
	for i, b := range buf {
		want := byte(0)
		if i >= 100 {
			want = 1
		}
		if b != want {
			t.Fatalf("byte %d = %d, want %d", i, b, want)
		}
	}
}

func TestRandomizedReadsMatchWholeFile(t *testing.T) {
	const blobbySize = 200_000
	rng := rand.New(rand.NewSource(1))
	data := make([]byte, blobbySize)
	rng.Read(data)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "blobby", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)

	for seed := int64(0); seed < 5; seed++ {
		lazy, err := lazyfile.New(srv.Client(), srv.URL)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		rng := rand.New(rand.NewSource(seed))

		for i := 0; i < 50; i++ {
			var pos int64
			if rng.Intn(2) == 0 {
				pos = rng.Int63n(blobbySize)
			} else {
				pos = blobbySize - rng.Int63n(blobbySize)
			}
			readSize := 1000 + rng.Intn(14000)

			if _, err := lazy.Seek(pos, io.SeekStart); err != nil {
				t.Fatalf("seed %d: Seek(%d): %v", seed, pos, err)
			}
			got := make([]byte, readSize)
			n, err := io.ReadFull(lazy, got)
			if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
				t.Fatalf("seed %d: Read at %d: %v", seed, pos, err)
			}
			got = got[:n]

			end := pos + int64(n)
			if end > blobbySize {
				end = blobbySize
			}
			want := data[pos:end]
			if !bytes.Equal(got, want) {
				t.Fatalf("seed %d pos %d: mismatch (got %d bytes, want %d bytes)", seed, pos, len(got), len(want))
			}
		}
	}
}
