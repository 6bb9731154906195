package cache

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/replicant/errors"
)

// Redis is a cache backend backed by a Redis server. All operations honor
// the caller's context deadline.
type Redis struct {
	rdb     *redis.Client
	stats   *Statistics   // ALWAYS initialized
	metrics *cacheMetrics // Optional, if metrics enabled
}

// NewRedis creates a Redis-backed cache from the given client options.
// Returns an error if metrics registration fails when requested.
func NewRedis(redisOpts *redis.Options, opts ...Option) (*Redis, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	stats := NewStatistics()

	var metrics *cacheMetrics
	if options.metricsReg != nil && options.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(options.metricsReg, options.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewRedis", "metrics registration")
		}
	}

	return &Redis{
		rdb:     redis.NewClient(redisOpts),
		stats:   stats,
		metrics: metrics,
	}, nil
}

// Get retrieves a value by key. Returns ErrCacheMiss for absent keys.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			c.stats.Miss()
			if c.metrics != nil {
				c.metrics.recordMiss()
			}
			return nil, ErrCacheMiss
		}
		return nil, errors.WrapTransient(err, "cache", "Get", "redis GET")
	}

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	return value, nil
}

// Set stores a value under key. A zero ttl means no expiry.
func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.WrapTransient(err, "cache", "Set", "redis SET")
	}

	c.stats.Set()
	if c.metrics != nil {
		c.metrics.recordSet()
	}
	return nil
}

// Del removes the given keys. Missing keys are not an error.
func (c *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return errors.WrapTransient(err, "cache", "Del", "redis DEL")
	}

	c.stats.Delete()
	if c.metrics != nil {
		c.metrics.recordDelete()
	}
	return nil
}

// Keys returns all keys matching pattern using SCAN, never KEYS, so large
// keyspaces do not block the server.
func (c *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	var matched []string

	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		matched = append(matched, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.WrapTransient(err, "cache", "Keys", "redis SCAN")
	}
	return matched, nil
}

// Ping reports whether the Redis server is reachable.
func (c *Redis) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(err, "cache", "Ping", "redis PING")
	}
	return nil
}

// Stats returns the statistics tracker for this cache.
func (c *Redis) Stats() *Statistics {
	return c.stats
}

// Close closes the underlying Redis client.
func (c *Redis) Close() error {
	return c.rdb.Close()
}
