package cache

import (
	"context"
	"sync"
	"time"

	"github.com/c360/replicant/errors"
)

// localEntry represents an entry in the local cache.
type localEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// isExpired checks if the entry has expired.
func (e *localEntry) isExpired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// Local is a thread-safe in-process cache with per-entry TTL. It serves as
// the standalone backend for single-node deployments and as the fallback
// behind Failover when Redis is unreachable.
type Local struct {
	mu      sync.RWMutex
	items   map[string]*localEntry
	stats   *Statistics   // ALWAYS initialized
	metrics *cacheMetrics // Optional, if metrics enabled
	evictFn EvictCallback // Optional callback

	cleanupInterval time.Duration

	// Background cleanup coordination
	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewLocal creates a local cache and starts its background sweeper.
// Returns an error if metrics registration fails when requested.
func NewLocal(opts ...Option) (*Local, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	// Stats are ALWAYS initialized - observability is not optional
	stats := NewStatistics()

	var metrics *cacheMetrics
	if options.metricsReg != nil && options.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(options.metricsReg, options.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLocal", "metrics registration")
		}
	}

	c := &Local{
		items:           make(map[string]*localEntry),
		stats:           stats,
		metrics:         metrics,
		evictFn:         options.evictCallback,
		cleanupInterval: options.cleanupInterval,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.cleanup()

	return c, nil
}

// Get retrieves a value by key, checking for expiration.
func (c *Local) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		c.recordMiss()
		return nil, ErrCacheMiss
	}

	if entry.isExpired() {
		c.mu.Lock()
		// Double-check it's still there and still expired
		if current, stillExists := c.items[key]; stillExists && current.isExpired() {
			delete(c.items, key)
			if c.evictFn != nil {
				defer c.evictFn(key, current.value)
			}
			c.stats.Eviction()
			c.stats.UpdateSize(int64(len(c.items)))
			if c.metrics != nil {
				c.metrics.recordEviction()
				c.metrics.updateSize(len(c.items))
			}
		}
		c.mu.Unlock()

		c.recordMiss()
		return nil, ErrCacheMiss
	}

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}

	return entry.value, nil
}

// Set stores a value with the given key. A zero ttl means no expiry.
func (c *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.items[key] = &localEntry{
		value:     value,
		expiresAt: expiresAt,
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(size)
	}

	return nil
}

// Del removes the given keys. Missing keys are not an error.
func (c *Local) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	for _, key := range keys {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Delete()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordDelete()
		c.metrics.updateSize(size)
	}

	return nil
}

// Keys returns all unexpired keys matching pattern.
func (c *Local) Keys(_ context.Context, pattern string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var matched []string
	for key, entry := range c.items {
		if entry.isExpired() {
			continue
		}
		if matchPattern(pattern, key) {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

// Ping always succeeds for the in-process cache.
func (c *Local) Ping(_ context.Context) error {
	return nil
}

// Stats returns the statistics tracker for this cache.
func (c *Local) Stats() *Statistics {
	return c.stats
}

// Len returns the current number of entries, expired or not.
func (c *Local) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background sweeper and drops all entries.
func (c *Local) Close() error {
	c.once.Do(func() {
		close(c.shutdown)
		<-c.done
		c.mu.Lock()
		c.items = make(map[string]*localEntry)
		c.mu.Unlock()
	})
	return nil
}

func (c *Local) recordMiss() {
	c.stats.Miss()
	if c.metrics != nil {
		c.metrics.recordMiss()
	}
}

// cleanup sweeps expired entries at the configured interval.
func (c *Local) cleanup() {
	defer close(c.done)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Local) sweep() {
	type evicted struct {
		key   string
		value []byte
	}
	var removed []evicted

	c.mu.Lock()
	for key, entry := range c.items {
		if entry.isExpired() {
			delete(c.items, key)
			removed = append(removed, evicted{key, entry.value})
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	for _, e := range removed {
		c.stats.Eviction()
		if c.metrics != nil {
			c.metrics.recordEviction()
		}
		if c.evictFn != nil {
			c.evictFn(e.key, e.value)
		}
	}
	if len(removed) > 0 {
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			c.metrics.updateSize(size)
		}
	}
}
