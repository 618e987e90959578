package artifacthash_test

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/bilusteknoloji/envforge/internal/artifacthash"
)

func TestParseRoundtrip(t *testing.T) {
	value := "sha256=c27c231e66336183c484fbfe080fa6cc954149366c15dc21db8b7290081ec7b8"
	h, err := artifacthash.Parse(value)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.String() != value {
		t.Errorf("String() = %q, want %q", h.String(), value)
	}
}

func TestParseMissingEquals(t *testing.T) {
	if _, err := artifacthash.Parse("sha256c27c231e"); err == nil {
		t.Fatal("expected an error for a hash with no '='")
	}
}

func TestParseUnsupportedAlgorithm(t *testing.T) {
	_, err := artifacthash.Parse("md5=c27c231e")
	if _, ok := err.(*artifacthash.UnsupportedAlgorithm); !ok {
		t.Fatalf("expected UnsupportedAlgorithm, got %v", err)
	}
}

func TestCheckerSuccess(t *testing.T) {
	var buf bytes.Buffer
	content := []byte("wheel content")
	expected := artifacthash.Hash{Algorithm: artifacthash.SHA256, Digest: sha256Of(content)}

	c, err := artifacthash.NewChecker(&buf, expected)
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	if _, err := c.Write(content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Finish(); err != nil {
		t.Errorf("Finish: %v", err)
	}
	if buf.String() != string(content) {
		t.Errorf("checker did not pass bytes through to the underlying writer")
	}
}

func TestCheckerMismatch(t *testing.T) {
	var buf bytes.Buffer
	expected := artifacthash.Hash{Algorithm: artifacthash.SHA256, Digest: sha256Of([]byte("something else"))}

	c, err := artifacthash.NewChecker(&buf, expected)
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	c.Write([]byte("wheel content"))
	err = c.Finish()
	if _, ok := err.(*artifacthash.Mismatch); !ok {
		t.Fatalf("expected *Mismatch, got %v", err)
	}
}

func sha256Of(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
