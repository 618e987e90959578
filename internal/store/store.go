// Package store implements a simple on-disk key-value store for static blobs
// of data: caches, the hash-addressed artifact store, the forest of unpacked
// wheels and pybis. Each key maps to a path on disk, guarded by a sibling
// ".lock" file so that concurrent processes never write the same entry
// twice, and writes land via a temp-file-then-rename so a reader never
// observes a partial value.
package store

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// dirNestDepth controls fan-out: a key's encoded path is split into this
// many one-character directories before the remainder, so a store with N
// entries spreads across up to 64**dirNestDepth directories instead of
// dumping everything into one.
const dirNestDepth = 3

// StoreIO reports a failure reading, writing, or renaming a store entry.
type StoreIO struct {
	Path string
	Err  error
}

func (e *StoreIO) Error() string { return fmt.Sprintf("store I/O error at %s: %v", e.Path, e.Err) }
func (e *StoreIO) Unwrap() error { return e.Err }

// StoreSetup reports a failure preparing a store's base or tmp directory.
type StoreSetup struct {
	Path string
	Err  error
}

func (e *StoreSetup) Error() string { return fmt.Sprintf("store setup error at %s: %v", e.Path, e.Err) }
func (e *StoreSetup) Unwrap() error { return e.Err }

// PathKey is anything that can be turned into a store-relative path. A
// HashKey produces a nicely organized path grouped by algorithm; a
// plain byte slice gets hashed first so arbitrary-length keys still produce
// a short, fixed-depth path.
type PathKey interface {
	StoreKey() string
}

// BytesKey hashes an arbitrary blob of bytes (such as a URL or a cache key
// string) down to a fixed-length, fan-out-friendly path.
type BytesKey []byte

func (b BytesKey) StoreKey() string {
	sum := sha256.Sum256(b)
	return bytesToPathSuffix(sum[:])
}

// HashKey places an entry under "<algorithm>/<fanned-out digest>", matching
// how artifacts are addressed by their content hash.
type HashKey struct {
	Algorithm string
	Digest    []byte
}

func (k HashKey) StoreKey() string {
	return filepath.Join(k.Algorithm, bytesToPathSuffix(k.Digest))
}

func bytesToPathSuffix(b []byte) string {
	enc := base64.RawURLEncoding.EncodeToString(b)
	if len(enc) <= dirNestDepth {
		return enc
	}
	var parts []string
	for i := 0; i < dirNestDepth; i++ {
		parts = append(parts, string(enc[i]))
	}
	parts = append(parts, enc[dirNestDepth:])
	return filepath.Join(parts...)
}

func lockPathFor(path string) string { return path + ".lock" }

// fileLock holds an exclusive advisory lock on a key's .lock file, acquired
// via flock(2) and released by Close. The lock is dropped once a value's
// reader or writer is obtained; the underlying (file descriptor / directory
// path) stays valid afterward, same as the store this is ported from.
type fileLock struct {
	f *os.File
}

func acquireLock(lockPath string, create bool) (*fileLock, error) {
	flags := os.O_RDWR
	if create {
		if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
			return nil, &StoreSetup{Path: filepath.Dir(lockPath), Err: err}
		}
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(lockPath, flags, 0o644)
	if err != nil {
		return nil, err
	}
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			if err != nil {
				f.Close()
				return nil, err
			}
			break
		}
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

func newTmpName() string { return uuid.NewString() }
