package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/pkg/cache"
)

const redisKeyPrefix = "lumen:quota:"

// RedisStore keeps windows in Redis so every replica shares one counter per identity.
// The window start and reset time are derived from the key's TTL, which
// Redis sets once at the first request of a window.
type RedisStore struct {
	cache *cache.Cache
}

// NewRedisStore creates a RedisStore on top of the given cache.
func NewRedisStore(c *cache.Cache) *RedisStore {
	return &RedisStore{cache: c}
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, bool, error) {
	state, err := s.cache.WindowTake(ctx, redisKeyPrefix+key, int64(limit), window)
	if err != nil {
		return Window{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	resetAt := now.Add(state.TTL)
	return Window{
		Key:         key,
		WindowStart: resetAt.Add(-window),
		Count:       int(state.Count),
		Limit:       limit,
		ResetAt:     resetAt,
	}, state.Admitted, nil
}

// Peek implements Store. The returned window has no Limit; callers fill it in
// from the identity's tier.
func (s *RedisStore) Peek(ctx context.Context, key string, now time.Time) (Window, bool, error) {
	count, ttl, found, err := s.cache.WindowPeek(ctx, redisKeyPrefix+key)
	if err != nil {
		return Window{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !found {
		return Window{}, false, nil
	}
	return Window{
		Key:     key,
		Count:   int(count),
		ResetAt: now.Add(ttl),
	}, true, nil
}
