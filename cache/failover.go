package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Failover wraps a primary backend (typically Redis) and a fallback
// (typically Local). When the primary fails it degrades to the fallback
// transparently; callers never see the outage. Writes are mirrored to the
// fallback even while healthy so a failover starts with warm data.
type Failover struct {
	primary  Backend
	fallback Backend
	stats    *Statistics
	metrics  *cacheMetrics
	logger   *slog.Logger

	degraded atomic.Bool

	probeInterval time.Duration
	shutdown      chan struct{}
	done          chan struct{}
	once          sync.Once
}

// NewFailover creates a failover cache over primary and fallback and starts
// the background recovery probe.
func NewFailover(primary, fallback Backend, opts ...Option) (*Failover, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	var metrics *cacheMetrics
	if options.metricsReg != nil && options.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(options.metricsReg, options.metricsPrefix)
		if err != nil {
			return nil, err
		}
	}

	f := &Failover{
		primary:       primary,
		fallback:      fallback,
		stats:         NewStatistics(),
		metrics:       metrics,
		logger:        options.logger,
		probeInterval: options.probeInterval,
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go f.probe()

	return f, nil
}

// Degraded reports whether the cache is currently serving from the fallback.
func (f *Failover) Degraded() bool {
	return f.degraded.Load()
}

// Get reads from the primary, falling back transparently on failure.
func (f *Failover) Get(ctx context.Context, key string) ([]byte, error) {
	if !f.degraded.Load() {
		value, err := f.primary.Get(ctx, key)
		if err == nil || IsMiss(err) {
			f.record(err == nil)
			return value, err
		}
		f.degrade("get", key, err)
	}

	value, err := f.fallback.Get(ctx, key)
	f.record(err == nil)
	return value, err
}

// Set writes through to both backends. A primary failure degrades; a
// fallback failure is the only error callers ever see.
func (f *Failover) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !f.degraded.Load() {
		if err := f.primary.Set(ctx, key, value, ttl); err != nil {
			f.degrade("set", key, err)
		}
	}

	if err := f.fallback.Set(ctx, key, value, ttl); err != nil {
		return err
	}

	f.stats.Set()
	if f.metrics != nil {
		f.metrics.recordSet()
	}
	return nil
}

// Del removes keys from both backends.
func (f *Failover) Del(ctx context.Context, keys ...string) error {
	if !f.degraded.Load() {
		if err := f.primary.Del(ctx, keys...); err != nil {
			f.degrade("del", "", err)
		}
	}

	if err := f.fallback.Del(ctx, keys...); err != nil {
		return err
	}

	f.stats.Delete()
	if f.metrics != nil {
		f.metrics.recordDelete()
	}
	return nil
}

// Keys lists matching keys from the active backend.
func (f *Failover) Keys(ctx context.Context, pattern string) ([]string, error) {
	if !f.degraded.Load() {
		keys, err := f.primary.Keys(ctx, pattern)
		if err == nil {
			return keys, nil
		}
		f.degrade("keys", pattern, err)
	}
	return f.fallback.Keys(ctx, pattern)
}

// Ping succeeds as long as the fallback is reachable; a degraded cache is
// still a working cache.
func (f *Failover) Ping(ctx context.Context) error {
	return f.fallback.Ping(ctx)
}

// Stats returns the statistics tracker for the failover wrapper.
func (f *Failover) Stats() *Statistics {
	return f.stats
}

// Close stops the recovery probe and closes both backends.
func (f *Failover) Close() error {
	f.once.Do(func() {
		close(f.shutdown)
		<-f.done
	})
	if err := f.primary.Close(); err != nil {
		_ = f.fallback.Close()
		return err
	}
	return f.fallback.Close()
}

func (f *Failover) record(hit bool) {
	if hit {
		f.stats.Hit()
		if f.metrics != nil {
			f.metrics.recordHit()
		}
		return
	}
	f.stats.Miss()
	if f.metrics != nil {
		f.metrics.recordMiss()
	}
}

// degrade switches to the fallback. Only the first switch logs; repeated
// failures while already degraded are expected.
func (f *Failover) degrade(op, key string, err error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.stats.Failover()
		if f.metrics != nil {
			f.metrics.recordFailover()
		}
		f.logger.Warn("cache primary unavailable, switching to fallback",
			"operation", op,
			"key", key,
			"error", err)
	}
}

// probe re-checks the primary while degraded and restores it on success.
func (f *Failover) probe() {
	defer close(f.done)

	ticker := time.NewTicker(f.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.shutdown:
			return
		case <-ticker.C:
			if !f.degraded.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), f.probeInterval)
			err := f.primary.Ping(ctx)
			cancel()
			if err == nil && f.degraded.CompareAndSwap(true, false) {
				f.logger.Info("cache primary recovered, resuming")
			}
		}
	}
}
