package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360/replicant/errors"
)

// ErrCacheMiss indicates the key is not present in the cache. Callers treat
// a miss as "fall through to persistence", never as a failure.
var ErrCacheMiss = stderrors.New("cache: key not found")

// Backend is the contract every cache implementation satisfies. Values are
// opaque byte slices; serialization is the caller's concern.
type Backend interface {
	// Get returns the value for key, or ErrCacheMiss if absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means the entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Keys returns all keys matching pattern. The only wildcard is a
	// single '*' which matches any run of characters.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// IsMiss returns true if the error is a cache miss.
func IsMiss(err error) bool {
	return stderrors.Is(err, ErrCacheMiss)
}

// validateKey rejects keys that would be ambiguous in pattern matching or
// unrepresentable in a backing store.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty key"),
			"cache", "validateKey", "key must not be empty")
	}
	if strings.ContainsAny(key, "*\n\r") {
		return errors.WrapInvalid(
			fmt.Errorf("key %q contains reserved characters", key),
			"cache", "validateKey", "key must not contain wildcards or newlines")
	}
	return nil
}

// matchPattern reports whether key matches pattern. Pattern supports at most
// one '*' wildcard; without a wildcard it is an exact match.
func matchPattern(pattern, key string) bool {
	star := strings.IndexByte(pattern, '*')
	if star < 0 {
		return pattern == key
	}
	prefix, suffix := pattern[:star], pattern[star+1:]
	if len(key) < len(prefix)+len(suffix) {
		return false
	}
	return strings.HasPrefix(key, prefix) && strings.HasSuffix(key, suffix)
}
