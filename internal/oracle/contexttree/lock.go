package contexttree

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultLockRegistrySize bounds how many per-tree mutexes are kept
// resident; eviction only drops the in-process handle, never tree state.
const defaultLockRegistrySize = 512

// lockRegistry hands out a per-tree mutex, so an append to tree A never
// blocks on an append to tree B. Mirrors internal/delta's per-project
// flock registry, minus the cross-process file lock since the context
// tree only needs in-process serialization (spec §5: "updated under a
// per-tree lock").
type lockRegistry struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *sync.Mutex]
}

func newLockRegistry() *lockRegistry {
	cache, _ := lru.New[string, *sync.Mutex](defaultLockRegistrySize)
	return &lockRegistry{cache: cache}
}

func (r *lockRegistry) get(treeID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.cache.Get(treeID); ok {
		return m
	}
	m := &sync.Mutex{}
	r.cache.Add(treeID, m)
	return m
}

func (r *lockRegistry) withTreeLock(treeID string, fn func() error) error {
	m := r.get(treeID)
	m.Lock()
	defer m.Unlock()
	return fn()
}
