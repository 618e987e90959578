package store

import (
	"io"
	"os"
	"path/filepath"
)

// KVFileStore maps keys to single files. Updates are atomic: a writer always
// fills a temp file in the store's tmp directory and renames it into place,
// so a concurrent reader either sees the old value or the new one, never a
// partial write.
type KVFileStore struct {
	base string
	tmp  string
}

// NewKVFileStore creates (if necessary) base and base/tmp and returns a
// store rooted there.
func NewKVFileStore(base string) (*KVFileStore, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, &StoreSetup{Path: base, Err: err}
	}
	tmp := filepath.Join(abs, "tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, &StoreSetup{Path: tmp, Err: err}
	}
	return &KVFileStore{base: abs, tmp: tmp}, nil
}

func (s *KVFileStore) pathFor(key PathKey) string {
	return filepath.Join(s.base, key.StoreKey())
}

// KVFileLock is a held lock on one key, obtained via Lock or LockIfExists.
// Closing it releases the flock but leaves any already-opened reader or
// writer handle usable.
type KVFileLock struct {
	tmp  string
	lock *fileLock
	path string
}

// Lock acquires the lock for key, creating its directory and lock file if
// necessary.
func (s *KVFileStore) Lock(key PathKey) (*KVFileLock, error) {
	path := s.pathFor(key)
	lk, err := acquireLock(lockPathFor(path), true)
	if err != nil {
		return nil, &StoreIO{Path: path, Err: err}
	}
	return &KVFileLock{tmp: s.tmp, lock: lk, path: path}, nil
}

// LockIfExists acquires the lock for key only if its lock file already
// exists, returning (nil, false) otherwise. This lets callers probe for a
// cache entry without littering the store with directories and lock files
// for keys that are never actually written.
func (s *KVFileStore) LockIfExists(key PathKey) (*KVFileLock, bool) {
	path := s.pathFor(key)
	lk, err := acquireLock(lockPathFor(path), false)
	if err != nil {
		return nil, false
	}
	return &KVFileLock{tmp: s.tmp, lock: lk, path: path}, true
}

// Close releases the lock.
func (l *KVFileLock) Close() error { return l.lock.Close() }

// Reader opens the current value for reading, or returns (nil, false) if no
// value has been written yet.
func (l *KVFileLock) Reader() (*os.File, bool) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, false
	}
	return f, true
}

// LockedWrite is an in-progress write to a locked key. Callers write to it
// like any other io.Writer and then call Commit to publish the result.
type LockedWrite struct {
	path string
	tmp  *os.File
}

// Begin starts a new write, backed by a fresh temp file in the store's tmp
// directory.
func (l *KVFileLock) Begin() (*LockedWrite, error) {
	tmpPath := filepath.Join(l.tmp, newTmpName())
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, &StoreIO{Path: tmpPath, Err: err}
	}
	return &LockedWrite{path: l.path, tmp: f}, nil
}

func (w *LockedWrite) Write(p []byte) (int, error) { return w.tmp.Write(p) }

// Commit flushes and fsyncs the temp file, renames it into place, and
// returns it reopened at offset 0 for reading.
func (w *LockedWrite) Commit() (*os.File, error) {
	if err := w.tmp.Sync(); err != nil {
		w.abort()
		return nil, &StoreIO{Path: w.tmp.Name(), Err: err}
	}
	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name())
		return nil, &StoreIO{Path: w.tmp.Name(), Err: err}
	}
	if err := os.Rename(w.tmp.Name(), w.path); err != nil {
		os.Remove(w.tmp.Name())
		return nil, &StoreIO{Path: w.path, Err: err}
	}
	f, err := os.Open(w.path)
	if err != nil {
		return nil, &StoreIO{Path: w.path, Err: err}
	}
	return f, nil
}

func (w *LockedWrite) abort() {
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}

// GetOrSet returns a reader for key's current value, computing it via fill
// first if no value exists yet. fill is only ever invoked while the key's
// lock is held, so concurrent callers racing on the same missing key never
// both do the work.
func (s *KVFileStore) GetOrSet(key PathKey, fill func(w io.Writer) error) (*os.File, error) {
	lock, err := s.Lock(key)
	if err != nil {
		return nil, err
	}
	defer lock.Close()

	if f, ok := lock.Reader(); ok {
		return f, nil
	}

	w, err := lock.Begin()
	if err != nil {
		return nil, err
	}
	if err := fill(w); err != nil {
		w.abort()
		return nil, err
	}
	return w.Commit()
}

// Get returns a reader for key's current value, or (nil, false) if it has
// never been written.
func (s *KVFileStore) Get(key PathKey) (*os.File, bool) {
	lock, ok := s.LockIfExists(key)
	if !ok {
		return nil, false
	}
	defer lock.Close()
	return lock.Reader()
}
