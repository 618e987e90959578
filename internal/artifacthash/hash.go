// Package artifacthash implements the "<algorithm>=<hex digest>" artifact
// hash notation used throughout index pages, lock files, and resolved
// blueprints.
package artifacthash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Algorithm identifies a supported digest function. SHA256 is the only one
// populated today; the shape supports adding more without changing callers.
type Algorithm string

const SHA256 Algorithm = "sha256"

func (a Algorithm) new() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, &UnsupportedAlgorithm{Algorithm: string(a)}
	}
}

// UnsupportedAlgorithm reports an unrecognized hash algorithm name.
type UnsupportedAlgorithm struct {
	Algorithm string
}

func (e *UnsupportedAlgorithm) Error() string {
	return fmt.Sprintf("unsupported hash algorithm %q", e.Algorithm)
}

// InvalidHash reports a malformed "<algorithm>=<hex>" string.
type InvalidHash struct {
	Input  string
	Reason string
}

func (e *InvalidHash) Error() string {
	return fmt.Sprintf("invalid artifact hash %q: %s", e.Input, e.Reason)
}

// Hash is one algorithm/digest pair, e.g. sha256=c27c231e...
type Hash struct {
	Algorithm Algorithm
	Digest    []byte
}

// Parse parses a "<algorithm>=<hex digest>" string such as
// "sha256=c27c231e66336183c484fbfe080fa6cc954149366c15dc21db8b7290081ec7b8".
func Parse(s string) (Hash, error) {
	algo, hexDigest, ok := strings.Cut(s, "=")
	if !ok {
		return Hash{}, &InvalidHash{Input: s, Reason: "expected '=' separating algorithm from digest"}
	}
	digest, err := hex.DecodeString(hexDigest)
	if err != nil {
		return Hash{}, &InvalidHash{Input: s, Reason: "digest is not valid hex: " + err.Error()}
	}
	if _, err := Algorithm(algo).new(); err != nil {
		return Hash{}, err
	}
	return Hash{Algorithm: Algorithm(algo), Digest: digest}, nil
}

// String renders the hash back to "<algorithm>=<hex digest>" form.
func (h Hash) String() string {
	return fmt.Sprintf("%s=%s", h.Algorithm, hex.EncodeToString(h.Digest))
}

// Equal reports whether two hashes name the same algorithm and digest.
func (h Hash) Equal(other Hash) bool {
	return h.Algorithm == other.Algorithm && hex.EncodeToString(h.Digest) == hex.EncodeToString(other.Digest)
}

// Mismatch reports that a downloaded artifact's computed hash didn't match
// the one it was expected to have.
type Mismatch struct {
	Expected Hash
	Got      Hash
}

func (e *Mismatch) Error() string {
	return fmt.Sprintf("hash mismatch: expected %s, got %s", e.Expected, e.Got)
}

// Checker wraps a writer, hashing everything written to it so the running
// digest can be compared against an expected Hash once the write completes.
type Checker struct {
	w        io.Writer
	h        hash.Hash
	expected Hash
}

// NewChecker returns a Checker that hashes data with expected's algorithm as
// it's written through to w, to be verified once writing is done via Finish.
func NewChecker(w io.Writer, expected Hash) (*Checker, error) {
	h, err := expected.Algorithm.new()
	if err != nil {
		return nil, err
	}
	return &Checker{w: w, h: h, expected: expected}, nil
}

func (c *Checker) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.h.Write(p[:n])
	}
	return n, err
}

// Finish compares the accumulated digest against the expected hash,
// returning a *Mismatch if they differ.
func (c *Checker) Finish() error {
	got := Hash{Algorithm: c.expected.Algorithm, Digest: c.h.Sum(nil)}
	if !got.Equal(c.expected) {
		return &Mismatch{Expected: c.expected, Got: got}
	}
	return nil
}
