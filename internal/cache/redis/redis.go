// Package redis implements the shared query-result cache on Redis.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	entryPrefix = "q:"
	tagPrefix   = "tag:"
)

// Cache stores serialized query pages under their fingerprint and keeps a
// set per tag for invalidation. Every key carries a TTL so a missed
// invalidation can only produce bounded staleness.
type Cache struct {
	rdb *redis.Client
}

// New connects to Redis and pings it.
func New(ctx context.Context, addr, password string, db int) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}

func (c *Cache) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, entryPrefix+fingerprint).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return b, true, nil
}

func (c *Cache) Put(ctx context.Context, fingerprint string, value []byte, ttl time.Duration, tags []string) error {
	if ttl <= 0 {
		return nil
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, entryPrefix+fingerprint, value, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, tagPrefix+tag, fingerprint)
		// Tag sets outlive their newest entry a little; stale members are
		// harmless since the entries themselves expire.
		pipe.Expire(ctx, tagPrefix+tag, 2*ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (c *Cache) InvalidateByTag(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		members, err := c.rdb.SMembers(ctx, tagPrefix+tag).Result()
		if err != nil {
			return fmt.Errorf("cache invalidate %s: %w", tag, err)
		}
		keys := make([]string, 0, len(members)+1)
		for _, fp := range members {
			keys = append(keys, entryPrefix+fp)
		}
		keys = append(keys, tagPrefix+tag)
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("cache invalidate %s: %w", tag, err)
		}
	}
	return nil
}
