package packagedb

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/bilusteknoloji/envforge/internal/index"
)

// memoEntry pairs a memo key with its computed value, chained behind an
// xxhash bucket so a 64-bit hash collision still resolves to the right
// entry instead of silently aliasing two package names.
type memoEntry struct {
	key   string
	value []index.VersionArtifacts
}

// memoTable memoizes available-artifacts lookups per normalized package
// name: spec requires a given package's version->artifacts map be computed
// at most once per process. Buckets are addressed with xxhash.Sum64String,
// a fast non-cryptographic hash; nothing else in this codebase uses it.
type memoTable struct {
	mu      sync.Mutex
	buckets map[uint64][]memoEntry
}

func newMemoTable() *memoTable {
	return &memoTable{buckets: make(map[uint64][]memoEntry)}
}

func (m *memoTable) get(key string) ([]index.VersionArtifacts, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := xxhash.Sum64String(key)
	for _, e := range m.buckets[h] {
		if e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

func (m *memoTable) set(key string, value []index.VersionArtifacts) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := xxhash.Sum64String(key)
	for i, e := range m.buckets[h] {
		if e.key == key {
			m.buckets[h][i].value = value
			return
		}
	}
	m.buckets[h] = append(m.buckets[h], memoEntry{key: key, value: value})
}
