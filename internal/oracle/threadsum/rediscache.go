package threadsum

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oraclecore/oracle/internal/store"
)

// redisKeyPrefix namespaces thread-summary-cache keys from anything else
// sharing the Redis instance.
const redisKeyPrefix = "oracle:threadsum:"

// redisCacheStore is the distributed CacheStore backend, selected with
// threads.cache_backend: redis. Multiple daemon processes share cache
// state through it, matching spec §5's "second writer wins, stale reads
// acceptable" policy for thread-summary writes — there is no additional
// locking here beyond Redis's own per-key atomicity.
type redisCacheStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCacheStore dials addr and returns a CacheStore backed by it.
// Entries never expire unless ttl > 0; the default cache has no ttl since
// staleness is tracked via last_summarized_node_id, not wall time.
func NewRedisCacheStore(addr string, ttl time.Duration) CacheStore {
	return &redisCacheStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (r *redisCacheStore) key(threadID string) string {
	return redisKeyPrefix + threadID
}

func (r *redisCacheStore) Get(ctx context.Context, threadID string) (*store.ThreadSummaryCache, error) {
	raw, err := r.client.Get(ctx, r.key(threadID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get thread summary cache: %w", err)
	}
	var c store.ThreadSummaryCache
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode cached thread summary: %w", err)
	}
	return &c, nil
}

func (r *redisCacheStore) Save(ctx context.Context, cache *store.ThreadSummaryCache) error {
	raw, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("encode thread summary for cache: %w", err)
	}
	if err := r.client.Set(ctx, r.key(cache.ThreadID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set thread summary cache: %w", err)
	}
	return nil
}

func (r *redisCacheStore) Delete(ctx context.Context, threadID string) error {
	if err := r.client.Del(ctx, r.key(threadID)).Err(); err != nil {
		return fmt.Errorf("redis delete thread summary cache: %w", err)
	}
	return nil
}
