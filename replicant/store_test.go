package replicant

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/replicant/cache"
	"github.com/c360/replicant/errors"
	"github.com/c360/replicant/schema"
	"github.com/c360/replicant/storage"
	"github.com/c360/replicant/storage/memstore"
)

const scoreSchema = `{
	"type": "object",
	"properties": {
		"points": {"type": "integer", "minimum": 0}
	},
	"required": ["points"]
}`

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	local, err := cache.NewLocal()
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	store := New(memstore.New(), local, schema.NewRegistry(), opts...)
	require.NoError(t, store.Start(t.Context()))
	t.Cleanup(func() { _ = store.Stop(context.Background()) })

	return store
}

func TestRegisterWithFreshDefault(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	value, err := store.Register(ctx, "scoreboard", "score", RegisterOptions{
		DefaultValue: json.RawMessage(`0`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `0`, string(value))

	// Revision starts at 0
	snap, err := store.Snapshot(ctx, "scoreboard", "score")
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.Equal(t, uint64(0), snap.Revision)

	// Writing the default produces exactly one history entry
	entries, err := store.History(ctx, "scoreboard", "score", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(0), entries[0].Revision)
	assert.Empty(t, entries[0].ChangedBy)
}

func TestRegisterIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Register(ctx, "ns", "x", RegisterOptions{DefaultValue: json.RawMessage(`1`)})
	require.NoError(t, err)
	_, err = store.Set(ctx, "ns", "x", json.RawMessage(`5`), SetOptions{})
	require.NoError(t, err)

	// The default never overwrites existing state
	value, err := store.Register(ctx, "ns", "x", RegisterOptions{DefaultValue: json.RawMessage(`1`)})
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(value))

	snap, err := store.Snapshot(ctx, "ns", "x")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Revision)
}

func TestRegisterNoDefault(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Register(t.Context(), "ns", "absent", RegisterOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoDefaultValue)
	assert.True(t, errors.IsInvalid(err))
}

func TestSetIncrementsRevision(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Register(ctx, "scoreboard", "score", RegisterOptions{
		DefaultValue: json.RawMessage(`0`),
	})
	require.NoError(t, err)

	rev, err := store.Set(ctx, "scoreboard", "score", json.RawMessage(`5`), SetOptions{ChangedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	rev, err = store.Set(ctx, "scoreboard", "score", json.RawMessage(`6`), SetOptions{ChangedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rev)

	// set followed by get returns the just-written value
	value, err := store.Get(ctx, "scoreboard", "score")
	require.NoError(t, err)
	assert.JSONEq(t, `6`, string(value))

	// History is most-recent-first and carries the identity
	entries, err := store.History(ctx, "scoreboard", "score", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.JSONEq(t, `6`, string(entries[0].Value))
	assert.Equal(t, "alice", entries[0].ChangedBy)
	assert.JSONEq(t, `0`, string(entries[2].Value))
	assert.Empty(t, entries[2].ChangedBy)
}

func TestGetUnknownKeyReturnsNull(t *testing.T) {
	store := newTestStore(t)

	value, err := store.Get(t.Context(), "ns", "never-created")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestSchemaValidationRejectsWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Register(ctx, "bundle", "score", RegisterOptions{
		DefaultValue: json.RawMessage(`{"points": 0}`),
		Schema:       json.RawMessage(scoreSchema),
	})
	require.NoError(t, err)

	_, err = store.Set(ctx, "bundle", "score", json.RawMessage(`{"points": -1}`), SetOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidationFailed)

	// Rejected write leaves value, revision, and history untouched
	snap, err := store.Snapshot(ctx, "bundle", "score")
	require.NoError(t, err)
	assert.JSONEq(t, `{"points": 0}`, string(snap.Value))
	assert.Equal(t, uint64(0), snap.Revision)

	entries, err := store.History(ctx, "bundle", "score", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// SkipValidation bypasses the rule
	rev, err := store.Set(ctx, "bundle", "score", json.RawMessage(`{"points": -1}`),
		SetOptions{SkipValidation: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)
}

func TestRegisterInvalidDefault(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Register(t.Context(), "bundle", "score", RegisterOptions{
		DefaultValue: json.RawMessage(`{"points": -1}`),
		Schema:       json.RawMessage(scoreSchema),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidationFailed)
}

func TestRegisterReplacesInvalidStoredValue(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Register(ctx, "bundle", "score", RegisterOptions{
		DefaultValue: json.RawMessage(`{"points": -1}`),
	})
	require.NoError(t, err)

	// Re-register with a schema the stored value violates plus a default:
	// the default wins
	value, err := store.Register(ctx, "bundle", "score", RegisterOptions{
		DefaultValue: json.RawMessage(`{"points": 0}`),
		Schema:       json.RawMessage(scoreSchema),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"points": 0}`, string(value))

	// Without a default the mismatch is surfaced
	_, err = store.Set(ctx, "bundle", "score", json.RawMessage(`{"points": -2}`),
		SetOptions{SkipValidation: true})
	require.NoError(t, err)
	_, err = store.Register(ctx, "bundle", "score", RegisterOptions{
		Schema: json.RawMessage(scoreSchema),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidationFailed)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	found, err := store.Delete(ctx, "ns", "absent")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = store.Register(ctx, "ns", "x", RegisterOptions{
		DefaultValue: json.RawMessage(`1`),
		Schema:       json.RawMessage(`{"type": "integer"}`),
	})
	require.NoError(t, err)
	_, err = store.Set(ctx, "ns", "x", json.RawMessage(`2`), SetOptions{})
	require.NoError(t, err)

	found, err = store.Delete(ctx, "ns", "x")
	require.NoError(t, err)
	assert.True(t, found)

	// Gone from get and history; schema rule removed too
	value, err := store.Get(ctx, "ns", "x")
	require.NoError(t, err)
	assert.Nil(t, value)

	entries, err := store.History(ctx, "ns", "x", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Re-register restarts at revision 0
	_, err = store.Register(ctx, "ns", "x", RegisterOptions{DefaultValue: json.RawMessage(`9`)})
	require.NoError(t, err)
	snap, err := store.Snapshot(ctx, "ns", "x")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.Revision)
}

func TestEphemeralReplicant(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Register(ctx, "ns", "transient", RegisterOptions{
		DefaultValue: json.RawMessage(`"temp"`),
		Ephemeral:    true,
	})
	require.NoError(t, err)

	rev, err := store.Set(ctx, "ns", "transient", json.RawMessage(`"changed"`), SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	value, err := store.Get(ctx, "ns", "transient")
	require.NoError(t, err)
	assert.JSONEq(t, `"changed"`, string(value))

	// Never persisted: no history
	entries, err := store.History(ctx, "ns", "transient", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Visible in listings
	metas, err := store.ByNamespace(ctx, "ns")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "transient", metas[0].Name)

	found, err := store.Delete(ctx, "ns", "transient")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestObservers(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	var mu sync.Mutex
	var events []ChangeEvent
	unsubscribe := store.Subscribe("ns", "x", func(event ChangeEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	_, err := store.Register(ctx, "ns", "x", RegisterOptions{DefaultValue: json.RawMessage(`1`)})
	require.NoError(t, err)
	_, err = store.Set(ctx, "ns", "x", json.RawMessage(`2`), SetOptions{ChangedBy: "alice"})
	require.NoError(t, err)
	_, err = store.Delete(ctx, "ns", "x")
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, events, 3)
	assert.Equal(t, OperationCreate, events[0].Operation)
	assert.Equal(t, uint64(0), events[0].Revision)
	assert.Equal(t, OperationUpdate, events[1].Operation)
	assert.Equal(t, "alice", events[1].ChangedBy)
	assert.JSONEq(t, `1`, string(events[1].OldValue))
	assert.JSONEq(t, `2`, string(events[1].NewValue))
	assert.Equal(t, OperationDelete, events[2].Operation)
	mu.Unlock()

	unsubscribe()
	_, err = store.Register(ctx, "ns", "x", RegisterOptions{DefaultValue: json.RawMessage(`3`)})
	require.NoError(t, err)

	mu.Lock()
	assert.Len(t, events, 3, "unsubscribed observer must not receive events")
	mu.Unlock()
}

func TestGlobalObservers(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	var mu sync.Mutex
	var keys []string
	unsubscribe := store.SubscribeAll(func(event ChangeEvent) {
		mu.Lock()
		keys = append(keys, event.Namespace+"/"+event.Name)
		mu.Unlock()
	})

	_, err := store.Register(ctx, "alpha", "a", RegisterOptions{DefaultValue: json.RawMessage(`1`)})
	require.NoError(t, err)
	_, err = store.Register(ctx, "beta", "b", RegisterOptions{DefaultValue: json.RawMessage(`2`)})
	require.NoError(t, err)
	_, err = store.Set(ctx, "alpha", "a", json.RawMessage(`3`), SetOptions{})
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{"alpha/a", "beta/b", "alpha/a"}, keys)
	mu.Unlock()

	unsubscribe()
	_, err = store.Set(ctx, "beta", "b", json.RawMessage(`4`), SetOptions{})
	require.NoError(t, err)

	mu.Lock()
	assert.Len(t, keys, 3)
	mu.Unlock()
}

func TestListings(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Register(ctx, "alpha", "a", RegisterOptions{
		DefaultValue: json.RawMessage(`1`),
		Schema:       json.RawMessage(`{"type": "integer"}`),
	})
	require.NoError(t, err)
	_, err = store.Register(ctx, "beta", "b", RegisterOptions{DefaultValue: json.RawMessage(`2`)})
	require.NoError(t, err)

	metas, err := store.ByNamespace(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.True(t, metas[0].HasSchema)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSnapshotChecksumStable(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Register(ctx, "ns", "x", RegisterOptions{
		DefaultValue: json.RawMessage(`{"b": 2, "a": 1}`),
	})
	require.NoError(t, err)

	snap1, err := store.Snapshot(ctx, "ns", "x")
	require.NoError(t, err)
	snap2, err := store.Snapshot(ctx, "ns", "x")
	require.NoError(t, err)
	assert.Equal(t, snap1.Checksum, snap2.Checksum)
	assert.Len(t, snap1.Checksum, 32)

	snap, err := store.Snapshot(ctx, "ns", "missing")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestNotStarted(t *testing.T) {
	local, err := cache.NewLocal()
	require.NoError(t, err)
	defer func() { _ = local.Close() }()

	store := New(memstore.New(), local, schema.NewRegistry())

	_, err = store.Get(t.Context(), "ns", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotInitialized)
	assert.True(t, errors.IsFatal(err))
}

func TestConcurrentSetsStrictlyIncrease(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Register(ctx, "ns", "counter", RegisterOptions{DefaultValue: json.RawMessage(`0`)})
	require.NoError(t, err)

	const writers = 40
	revisions := make(chan uint64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rev, err := store.Set(ctx, "ns", "counter", json.RawMessage(`1`), SetOptions{})
			assert.NoError(t, err)
			revisions <- rev
		}()
	}
	wg.Wait()
	close(revisions)

	seen := make(map[uint64]bool)
	for rev := range revisions {
		assert.False(t, seen[rev], "revision %d assigned twice", rev)
		seen[rev] = true
	}
	assert.Len(t, seen, writers)
}

func TestSetInvalidatesCacheEntry(t *testing.T) {
	local, err := cache.NewLocal()
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	store := New(memstore.New(), local, schema.NewRegistry())
	require.NoError(t, store.Start(t.Context()))
	t.Cleanup(func() { _ = store.Stop(context.Background()) })
	ctx := t.Context()

	_, err = store.Register(ctx, "scoreboard", "score", RegisterOptions{
		DefaultValue: json.RawMessage(`0`),
	})
	require.NoError(t, err)

	// Warm the cache through a read, then overwrite
	_, err = store.Get(ctx, "scoreboard", "score")
	require.NoError(t, err)
	_, err = local.Get(ctx, storage.Key("scoreboard", "score"))
	require.NoError(t, err, "read-through should have populated the cache")

	_, err = store.Set(ctx, "scoreboard", "score", json.RawMessage(`1`), SetOptions{})
	require.NoError(t, err)

	// The write drops the entry instead of refreshing it: a refreshed
	// entry would pin this process's view for any other cache reader
	_, err = local.Get(ctx, storage.Key("scoreboard", "score"))
	assert.True(t, cache.IsMiss(err))

	value, err := store.Get(ctx, "scoreboard", "score")
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(value))
}

// stallingGateway completes one read and then holds it open until
// released, exposing the window between a gateway read and its cache
// populate.
type stallingGateway struct {
	storage.Gateway
	stall   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *stallingGateway) FindByKey(ctx context.Context, namespace, name string) (*storage.Record, error) {
	record, err := g.Gateway.FindByKey(ctx, namespace, name)
	if g.stall.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return record, err
}

func TestStalledReadCannotRecacheOverwrittenValue(t *testing.T) {
	local, err := cache.NewLocal()
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	gw := &stallingGateway{
		Gateway: memstore.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	store := New(gw, local, schema.NewRegistry())
	require.NoError(t, store.Start(t.Context()))
	t.Cleanup(func() { _ = store.Stop(context.Background()) })
	ctx := context.Background()

	_, err = store.Register(ctx, "scoreboard", "score", RegisterOptions{
		DefaultValue: json.RawMessage(`0`),
	})
	require.NoError(t, err)

	// A read holds its gateway result while a write lands on the same key
	gw.stall.Store(true)
	getDone := make(chan error, 1)
	go func() {
		_, err := store.Get(ctx, "scoreboard", "score")
		getDone <- err
	}()
	<-gw.entered

	setDone := make(chan error, 1)
	go func() {
		_, err := store.Set(ctx, "scoreboard", "score", json.RawMessage(`1`), SetOptions{})
		setDone <- err
	}()

	close(gw.release)
	require.NoError(t, <-getDone)
	require.NoError(t, <-setDone)

	// The slow read's populate must not outlive the write's invalidation
	value, err := store.Get(ctx, "scoreboard", "score")
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(value))
}

func TestFailedRegisterInstallsNoRule(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Register(ctx, "scoreboard", "score", RegisterOptions{
		Schema: json.RawMessage(scoreSchema),
	})
	require.Error(t, err, "absent key with no default must fail")

	// The aborted registration's schema must not constrain later writes
	_, err = store.Set(ctx, "scoreboard", "score", json.RawMessage(`"free-form"`), SetOptions{})
	require.NoError(t, err)
}

func TestFailedReregisterKeepsPriorRule(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Register(ctx, "scoreboard", "score", RegisterOptions{
		Schema:       json.RawMessage(scoreSchema),
		DefaultValue: json.RawMessage(`{"points": 0}`),
	})
	require.NoError(t, err)

	// A stricter schema the stored value no longer satisfies, with no
	// default to repair it: the re-register fails outright
	stricter := `{
		"type": "object",
		"properties": {
			"points": {"type": "integer", "minimum": 100}
		},
		"required": ["points"]
	}`
	_, err = store.Register(ctx, "scoreboard", "score", RegisterOptions{
		Schema: json.RawMessage(stricter),
	})
	require.Error(t, err)

	// The original rule still governs writes
	_, err = store.Set(ctx, "scoreboard", "score", json.RawMessage(`{"points": 5}`), SetOptions{})
	require.NoError(t, err)

	_, err = store.Set(ctx, "scoreboard", "score", json.RawMessage(`{"points": -1}`), SetOptions{})
	require.Error(t, err)
}
