package store

import (
	"os"
	"path/filepath"
)

// KVDirStore maps keys to directories instead of single files. Directories
// can't be atomically replaced the way a file can via rename-over-existing,
// so this only supports write-once-read-many semantics: once a key's
// directory exists, it's treated as immutable.
type KVDirStore struct {
	base string
	tmp  string
}

// NewKVDirStore creates (if necessary) base and base/tmp and returns a
// store rooted there.
func NewKVDirStore(base string) (*KVDirStore, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, &StoreSetup{Path: base, Err: err}
	}
	tmp := filepath.Join(abs, "tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, &StoreSetup{Path: tmp, Err: err}
	}
	return &KVDirStore{base: abs, tmp: tmp}, nil
}

// KVDirLock is a held lock on one key's directory entry.
type KVDirLock struct {
	tmp  string
	lock *fileLock
	path string
}

// Path returns the on-disk location the key's directory will occupy once
// published, whether or not it exists yet.
func (l *KVDirLock) Path() string { return l.path }

// Exists reports whether the key's directory has already been published.
func (l *KVDirLock) Exists() bool {
	info, err := os.Stat(l.path)
	return err == nil && info.IsDir()
}

// Lock acquires the lock for key, creating its parent directory and lock
// file if necessary.
func (s *KVDirStore) Lock(key PathKey) (*KVDirLock, error) {
	path := filepath.Join(s.base, key.StoreKey())
	lk, err := acquireLock(lockPathFor(path), true)
	if err != nil {
		return nil, &StoreIO{Path: path, Err: err}
	}
	return &KVDirLock{tmp: s.tmp, lock: lk, path: path}, nil
}

// Close releases the lock.
func (l *KVDirLock) Close() error { return l.lock.Close() }

// TempDir creates a fresh scratch directory under the store's tmp tree for
// a caller to populate before publishing it into place.
func (l *KVDirLock) TempDir() (string, error) {
	dir := filepath.Join(l.tmp, newTmpName())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", &StoreIO{Path: dir, Err: err}
	}
	return dir, nil
}

// Publish renames tmpDir (as produced by TempDir) into the key's final
// location. Must only be called while holding the lock and after confirming
// the key doesn't already Exist.
func (l *KVDirLock) Publish(tmpDir string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return &StoreSetup{Path: filepath.Dir(l.path), Err: err}
	}
	if err := os.Rename(tmpDir, l.path); err != nil {
		return &StoreIO{Path: l.path, Err: err}
	}
	return nil
}

// GetOrSet returns the published directory path for key, populating it via
// fill first (into a scratch directory, then publishing via rename) if it
// doesn't exist yet.
func (s *KVDirStore) GetOrSet(key PathKey, fill func(dir string) error) (string, error) {
	lock, err := s.Lock(key)
	if err != nil {
		return "", err
	}
	defer lock.Close()

	if lock.Exists() {
		return lock.Path(), nil
	}

	tmp, err := lock.TempDir()
	if err != nil {
		return "", err
	}
	if err := fill(tmp); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	if err := lock.Publish(tmp); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	return lock.Path(), nil
}
