package replicant

import (
	"log/slog"
	"time"

	"github.com/c360/replicant/metric"
)

type storeOptions struct {
	logger       *slog.Logger
	metrics      *metric.Metrics
	cacheTTL     time.Duration
	historyLimit int
}

// Option configures a Store.
type Option func(*storeOptions)

func defaultStoreOptions() *storeOptions {
	return &storeOptions{
		logger:       slog.Default(),
		cacheTTL:     5 * time.Minute,
		historyLimit: 25,
	}
}

// WithLogger sets the structured logger for store events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics wires store operations into the platform metrics.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(o *storeOptions) {
		o.metrics = metrics
	}
}

// WithCacheTTL sets how long read-through cache entries live.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *storeOptions) {
		if ttl > 0 {
			o.cacheTTL = ttl
		}
	}
}

// WithHistoryLimit sets the default History result bound used when the
// caller passes a non-positive limit.
func WithHistoryLimit(limit int) Option {
	return func(o *storeOptions) {
		if limit > 0 {
			o.historyLimit = limit
		}
	}
}
