package cache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisCache(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	c, err := NewRedis(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestRedisSetGet(t *testing.T) {
	c, _ := setupRedisCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "bundle.score", []byte(`{"points":3}`), 0))

	value, err := c.Get(ctx, "bundle.score")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"points":3}`), value)

	_, err = c.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)

	assert.Equal(t, int64(1), c.Stats().Hits())
	assert.Equal(t, int64(1), c.Stats().Misses())
}

func TestRedisTTL(t *testing.T) {
	c, mr := setupRedisCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "short", []byte("v"), time.Second))

	// miniredis only advances time when told to
	mr.FastForward(2 * time.Second)

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisDel(t *testing.T) {
	c, _ := setupRedisCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	require.NoError(t, c.Del(ctx, "a", "b", "missing"))
	require.NoError(t, c.Del(ctx))

	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisKeys(t *testing.T) {
	c, _ := setupRedisCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "bundle.score", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "bundle.state", []byte("2"), 0))
	require.NoError(t, c.Set(ctx, "other.score", []byte("3"), 0))

	keys, err := c.Keys(ctx, "bundle.*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bundle.score", "bundle.state"}, keys)
}

func TestRedisPing(t *testing.T) {
	c, mr := setupRedisCache(t)

	require.NoError(t, c.Ping(t.Context()))

	mr.Close()
	assert.Error(t, c.Ping(t.Context()))
}
