package delta

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultLockRegistrySize bounds how many per-project file locks are kept
// resident. Evicted entries are re-created on demand; eviction only drops
// the in-process handle, never the on-disk lock file.
const defaultLockRegistrySize = 256

// lockRegistry hands out a per-project cross-process file lock, so a commit
// for project A never blocks on a commit for project B. Locks are created
// lazily and cached in an LRU keyed by project ID.
type lockRegistry struct {
	mu       sync.Mutex
	baseDir  string
	cache    *lru.Cache[string, *flock.Flock]
}

func newLockRegistry(baseDir string) *lockRegistry {
	cache, _ := lru.New[string, *flock.Flock](defaultLockRegistrySize)
	return &lockRegistry{baseDir: baseDir, cache: cache}
}

func (r *lockRegistry) get(projectID string) *flock.Flock {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fl, ok := r.cache.Get(projectID); ok {
		return fl
	}
	path := filepath.Join(r.baseDir, fmt.Sprintf("%s.delta.lock", projectID))
	fl := flock.New(path)
	r.cache.Add(projectID, fl)
	return fl
}

// withProjectLock runs fn while holding the exclusive commit lock for
// projectID. Locking is blocking: a second commit for the same project
// simply waits rather than racing the delta queue.
func (r *lockRegistry) withProjectLock(projectID string, fn func() error) error {
	fl := r.get(projectID)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire delta lock for project %s: %w", projectID, err)
	}
	defer fl.Unlock()
	return fn()
}
