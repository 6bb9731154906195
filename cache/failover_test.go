package cache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupFailover(t *testing.T, opts ...Option) (*Failover, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	primary, err := NewRedis(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)

	fallback, err := NewLocal()
	require.NoError(t, err)

	f, err := NewFailover(primary, fallback, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	return f, mr
}

func TestFailoverHealthyPath(t *testing.T) {
	f, mr := setupFailover(t)
	ctx := t.Context()

	require.NoError(t, f.Set(ctx, "bundle.score", []byte("v"), 0))

	value, err := f.Get(ctx, "bundle.score")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	assert.False(t, f.Degraded())

	// Write went through to the primary
	assert.True(t, mr.Exists("bundle.score"))
}

func TestFailoverDegradesOnPrimaryFailure(t *testing.T) {
	f, mr := setupFailover(t)
	ctx := t.Context()

	require.NoError(t, f.Set(ctx, "bundle.score", []byte("v"), 0))

	mr.Close()

	// Read still succeeds from the warm fallback
	value, err := f.Get(ctx, "bundle.score")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	assert.True(t, f.Degraded())
	assert.Equal(t, int64(1), f.Stats().Failovers())

	// Writes keep working while degraded
	require.NoError(t, f.Set(ctx, "bundle.state", []byte("w"), 0))
	value, err = f.Get(ctx, "bundle.state")
	require.NoError(t, err)
	assert.Equal(t, []byte("w"), value)
}

func TestFailoverRecovers(t *testing.T) {
	f, mr := setupFailover(t, WithProbeInterval(10*time.Millisecond))
	ctx := t.Context()

	require.NoError(t, f.Set(ctx, "k", []byte("v"), 0))

	// SETERROR makes every command fail without tearing down the listener
	mr.SetError("boom")
	_, _ = f.Get(ctx, "k") // served from fallback, triggers degrade
	require.True(t, f.Degraded())

	mr.SetError("")

	assert.Eventually(t, func() bool {
		return !f.Degraded()
	}, time.Second, 10*time.Millisecond, "probe did not restore primary")
}

func TestFailoverMissIsNotFailure(t *testing.T) {
	f, _ := setupFailover(t)

	_, err := f.Get(t.Context(), "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.False(t, f.Degraded())
}

func TestFailoverKeys(t *testing.T) {
	f, mr := setupFailover(t)
	ctx := t.Context()

	require.NoError(t, f.Set(ctx, "bundle.score", []byte("1"), 0))
	require.NoError(t, f.Set(ctx, "bundle.state", []byte("2"), 0))

	keys, err := f.Keys(ctx, "bundle.*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bundle.score", "bundle.state"}, keys)

	// Same answer while degraded, from the mirrored fallback
	mr.Close()
	keys, err = f.Keys(ctx, "bundle.*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bundle.score", "bundle.state"}, keys)
}
