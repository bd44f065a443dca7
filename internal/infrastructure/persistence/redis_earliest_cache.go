package persistence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cortexrt/assistant/internal/infrastructure/config"
)

const earliestDueCacheKey = "passistant:deferred:earliest_due"

// NewEarliestDueCache returns a Redis-backed cache satisfying
// service.EarliestDueCache, or a disabled no-op cache when cfg.Addr is
// empty. Returned as an anonymous interface type so callers assign it into their own narrow
// service.EarliestDueCache-typed field without this package importing
// the domain layer.
func NewEarliestDueCache(cfg config.RedisConfig) interface {
	Get(ctx context.Context) (time.Time, bool)
	Set(ctx context.Context, earliest time.Time)
	Invalidate(ctx context.Context)
} {
	if cfg.Addr == "" {
		return noopEarliestDueCache{}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	return &redisEarliestDueCache{client: client}
}

type redisEarliestDueCache struct {
	client *redis.Client
}

func (c *redisEarliestDueCache) Get(ctx context.Context) (time.Time, bool) {
	val, err := c.client.Get(ctx, earliestDueCacheKey).Result()
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (c *redisEarliestDueCache) Set(ctx context.Context, earliest time.Time) {
	// Best-effort: a cache write failure just means the next Defer call
	// falls back to the gorm query, same as a cache miss.
	_ = c.client.Set(ctx, earliestDueCacheKey, earliest.Format(time.RFC3339Nano), time.Hour).Err()
}

func (c *redisEarliestDueCache) Invalidate(ctx context.Context) {
	_ = c.client.Del(ctx, earliestDueCacheKey).Err()
}

type noopEarliestDueCache struct{}

func (noopEarliestDueCache) Get(context.Context) (time.Time, bool) { return time.Time{}, false }
func (noopEarliestDueCache) Set(context.Context, time.Time)        {}
func (noopEarliestDueCache) Invalidate(context.Context)            {}
