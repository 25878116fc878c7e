// Package pendingcache is the C4 cache port adapter: a Redis-backed,
// advisory read-through cache for the hot pending-jobs lists and job/url
// detail lookups. Get reports a miss as crawldomain.ErrNotFound; the database
// fallback and warning log on miss or error are done by the caller.
package pendingcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/crawlcoord/pkg/crawldomain"
)

// Cache is the Redis adapter for crawldomain.CacheBackend.
type Cache struct {
	rdb *redis.Client
}

// New creates a Cache backed by the given Redis client.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Key namespace.
const (
	keyPendingAll       = "crawl:jobs:pending:all"
	keyPendingDomainFmt = "crawl:jobs:pending:domain:%s"
	keyJobFmt           = "crawl:job:%s"
	keyURLFmt           = "crawl:url:%s"
)

// PendingListKey returns the cache key for the pending-jobs candidate list,
// scoped to domainFilter ("" means the "all" key).
func PendingListKey(domainFilter string) string {
	if domainFilter == "" {
		return keyPendingAll
	}
	return fmt.Sprintf(keyPendingDomainFmt, domainFilter)
}

// JobKey returns the cache key for one job's detail entry.
func JobKey(jobID string) string {
	return fmt.Sprintf(keyJobFmt, jobID)
}

// URLKey returns the cache key for one URL's detail entry.
func URLKey(urlHash string) string {
	return fmt.Sprintf(keyURLFmt, urlHash)
}

// Get returns the raw bytes stored at key, or crawldomain.ErrNotFound on miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: cache key %s", crawldomain.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: getting cache key %s: %v", crawldomain.ErrTransientStore, key, err)
	}
	return val, nil
}

// Set stores value at key with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: setting cache key %s: %v", crawldomain.ErrTransientStore, key, err)
	}
	return nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: deleting cache key %s: %v", crawldomain.ErrTransientStore, key, err)
	}
	return nil
}

// DeletePattern removes every key matching prefix* using SCAN (not KEYS, to
// avoid blocking Redis on a large keyspace).
func (c *Cache) DeletePattern(ctx context.Context, prefix string) error {
	var cursor uint64
	pattern := prefix + "*"
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("%w: scanning cache keys %s: %v", crawldomain.ErrTransientStore, pattern, err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: deleting cache keys %s: %v", crawldomain.ErrTransientStore, pattern, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: pinging redis: %v", crawldomain.ErrTransientStore, err)
	}
	return nil
}
