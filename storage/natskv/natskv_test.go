package natskv

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordKey(t *testing.T) {
	assert.Equal(t, "bundle.score", recordKey("bundle", "score"))

	// Characters NATS keys cannot carry are hex-escaped
	assert.Equal(t, "my_20bundle.current_3astate", recordKey("my bundle", "current:state"))

	// Dots inside tokens are escaped so they cannot fake a key separator
	assert.Equal(t, "a_2eb.c", recordKey("a.b", "c"))
}

func TestRecordKeyCollisionFree(t *testing.T) {
	// The escape character itself is escaped, so tokens that sanitize to
	// the same plain form still get distinct keys.
	assert.Equal(t, "a_5fb.c", recordKey("a_b", "c"))
	assert.NotEqual(t, recordKey("a.b", "c"), recordKey("a_b", "c"))
	assert.NotEqual(t, recordKey("a b", "c"), recordKey("a.b", "c"))

	// A dotted namespace cannot impersonate another key's segments
	assert.NotEqual(t, recordKey("a.b", "c"), recordKey("a", "b.c"))
}

func TestHistoryKeyOrdering(t *testing.T) {
	keys := []string{
		historyKey("bundle", "score", 2),
		historyKey("bundle", "score", 10),
		historyKey("bundle", "score", 1),
	}
	sort.Strings(keys)

	// Zero padding keeps lexical order equal to revision order
	assert.Equal(t, historyKey("bundle", "score", 1), keys[0])
	assert.Equal(t, historyKey("bundle", "score", 2), keys[1])
	assert.Equal(t, historyKey("bundle", "score", 10), keys[2])
}

func TestDecodeRecord(t *testing.T) {
	record, err := decodeRecord([]byte(`{
		"namespace": "bundle",
		"name": "score",
		"value": {"points": 3},
		"revision": 7
	}`))
	require.NoError(t, err)
	assert.Equal(t, "bundle", record.Namespace)
	assert.Equal(t, uint64(7), record.Revision)
	assert.JSONEq(t, `{"points":3}`, string(record.Value))

	_, err = decodeRecord([]byte(`not json`))
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultRecordsBucket, cfg.RecordsBucket)
	assert.Equal(t, DefaultHistoryBucket, cfg.HistoryBucket)
	assert.Equal(t, 1, cfg.Replicas)
}
