package memstore

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/replicant/storage"
)

func TestUpsertAssignsRevisions(t *testing.T) {
	s := New()
	ctx := t.Context()

	record, err := s.Upsert(ctx, "bundle", "score", json.RawMessage(`{"points":1}`), "")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), record.Revision)
	assert.False(t, record.CreatedAt.IsZero())

	record, err = s.Upsert(ctx, "bundle", "score", json.RawMessage(`{"points":2}`), "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), record.Revision)
	assert.JSONEq(t, `{"points":2}`, string(record.Value))
}

func TestFindByKey(t *testing.T) {
	s := New()
	ctx := t.Context()

	record, err := s.FindByKey(ctx, "bundle", "absent")
	require.NoError(t, err)
	assert.Nil(t, record)

	_, err = s.Upsert(ctx, "bundle", "score", json.RawMessage(`1`), "score-schema")
	require.NoError(t, err)

	record, err = s.FindByKey(ctx, "bundle", "score")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "bundle", record.Namespace)
	assert.Equal(t, "score", record.Name)
	assert.Equal(t, "score-schema", record.SchemaRef)
}

func TestFindByKeyReturnsCopy(t *testing.T) {
	s := New()
	ctx := t.Context()

	_, err := s.Upsert(ctx, "bundle", "score", json.RawMessage(`{"points":1}`), "")
	require.NoError(t, err)

	record, err := s.FindByKey(ctx, "bundle", "score")
	require.NoError(t, err)
	record.Value[1] = 'X'

	fresh, err := s.FindByKey(ctx, "bundle", "score")
	require.NoError(t, err)
	assert.JSONEq(t, `{"points":1}`, string(fresh.Value))
}

func TestDeleteByKey(t *testing.T) {
	s := New()
	ctx := t.Context()

	found, err := s.DeleteByKey(ctx, "bundle", "absent")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = s.Upsert(ctx, "bundle", "score", json.RawMessage(`1`), "")
	require.NoError(t, err)
	require.NoError(t, s.AppendHistory(ctx, "bundle", "score", storage.HistoryEntry{
		Value: json.RawMessage(`1`), Revision: 0,
	}))

	found, err = s.DeleteByKey(ctx, "bundle", "score")
	require.NoError(t, err)
	assert.True(t, found)

	// History cascades with the record
	entries, err := s.QueryHistory(ctx, "bundle", "score", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Re-creation starts over at revision 0
	record, err := s.Upsert(ctx, "bundle", "score", json.RawMessage(`2`), "")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), record.Revision)
}

func TestQueryHistoryOrder(t *testing.T) {
	s := New()
	ctx := t.Context()

	for rev := uint64(0); rev < 5; rev++ {
		require.NoError(t, s.AppendHistory(ctx, "bundle", "score", storage.HistoryEntry{
			Value:    json.RawMessage(`1`),
			Revision: rev,
		}))
	}

	entries, err := s.QueryHistory(ctx, "bundle", "score", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(4), entries[0].Revision)
	assert.Equal(t, uint64(3), entries[1].Revision)
	assert.Equal(t, uint64(2), entries[2].Revision)
}

func TestListings(t *testing.T) {
	s := New()
	ctx := t.Context()

	_, err := s.Upsert(ctx, "alpha", "b", json.RawMessage(`1`), "")
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "alpha", "a", json.RawMessage(`2`), "")
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "beta", "c", json.RawMessage(`3`), "")
	require.NoError(t, err)

	metas, err := s.ListByNamespace(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "a", metas[0].Name)
	assert.Equal(t, "b", metas[1].Name)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	empty, err := s.ListByNamespace(ctx, "gamma")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestValidateKey(t *testing.T) {
	s := New()
	ctx := t.Context()

	_, err := s.Upsert(ctx, "", "name", json.RawMessage(`1`), "")
	assert.Error(t, err)
	_, err = s.Upsert(ctx, "ns", "", json.RawMessage(`1`), "")
	assert.Error(t, err)
	_, err = s.Upsert(ctx, "ns", "wild*card", json.RawMessage(`1`), "")
	assert.Error(t, err)
}

func TestConcurrentUpsertsUniqueRevisions(t *testing.T) {
	s := New()
	ctx := t.Context()

	const writers = 50
	var wg sync.WaitGroup
	revisions := make(chan uint64, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := s.Upsert(ctx, "bundle", "score", json.RawMessage(`1`), "")
			assert.NoError(t, err)
			revisions <- record.Revision
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
