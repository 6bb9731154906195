package cache

import (
	"log/slog"
	"time"

	"github.com/c360/replicant/metric"
)

// EvictCallback is invoked when an entry expires out of the local cache.
type EvictCallback func(key string, value []byte)

// cacheOptions holds configuration shared by the cache backends.
type cacheOptions struct {
	cleanupInterval time.Duration
	probeInterval   time.Duration
	evictCallback   EvictCallback
	metricsReg      *metric.MetricsRegistry
	metricsPrefix   string
	logger          *slog.Logger
}

// Option configures a cache backend.
type Option func(*cacheOptions)

func defaultOptions() *cacheOptions {
	return &cacheOptions{
		cleanupInterval: 30 * time.Second,
		probeInterval:   10 * time.Second,
		logger:          slog.Default(),
	}
}

// WithCleanupInterval sets how often the local cache sweeps expired entries.
func WithCleanupInterval(interval time.Duration) Option {
	return func(o *cacheOptions) {
		if interval > 0 {
			o.cleanupInterval = interval
		}
	}
}

// WithProbeInterval sets how often the failover cache re-checks a failed
// primary backend.
func WithProbeInterval(interval time.Duration) Option {
	return func(o *cacheOptions) {
		if interval > 0 {
			o.probeInterval = interval
		}
	}
}

// WithEvictCallback registers a callback fired when entries expire.
func WithEvictCallback(fn EvictCallback) Option {
	return func(o *cacheOptions) {
		o.evictCallback = fn
	}
}

// WithMetrics exposes cache statistics as Prometheus metrics under the
// given component prefix.
func WithMetrics(registry *metric.MetricsRegistry, prefix string) Option {
	return func(o *cacheOptions) {
		o.metricsReg = registry
		o.metricsPrefix = prefix
	}
}

// WithLogger sets the structured logger used for cache lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *cacheOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
