package threadsum

import (
	"context"

	"github.com/oraclecore/oracle/internal/store"
)

// CacheStore persists the rolling per-thread summary cache. The default
// backend lives alongside the rest of a project's metadata in SQLite; an
// optional Redis-backed implementation lets multiple daemon processes
// share the cache (config: threads.cache_backend).
type CacheStore interface {
	Get(ctx context.Context, threadID string) (*store.ThreadSummaryCache, error)
	Save(ctx context.Context, cache *store.ThreadSummaryCache) error
	Delete(ctx context.Context, threadID string) error
}

// sqliteCacheStore is a thin adapter over store.MetadataStore's thread
// summary cache rows — the default backend.
type sqliteCacheStore struct {
	ms store.MetadataStore
}

// NewSQLiteCacheStore wraps a MetadataStore as a CacheStore.
func NewSQLiteCacheStore(ms store.MetadataStore) CacheStore {
	return &sqliteCacheStore{ms: ms}
}

func (s *sqliteCacheStore) Get(ctx context.Context, threadID string) (*store.ThreadSummaryCache, error) {
	return s.ms.GetThreadSummaryCache(ctx, threadID)
}

func (s *sqliteCacheStore) Save(ctx context.Context, cache *store.ThreadSummaryCache) error {
	return s.ms.SaveThreadSummaryCache(ctx, cache)
}

func (s *sqliteCacheStore) Delete(ctx context.Context, threadID string) error {
	return s.ms.DeleteThreadSummaryCache(ctx, threadID)
}
