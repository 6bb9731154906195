package checksum

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSum_KeyOrderIndependent(t *testing.T) {
	a, err := Sum(json.RawMessage(`{"score": 5, "team": "red"}`))
	require.NoError(t, err)

	b, err := Sum(json.RawMessage(`{"team":"red","score":5}`))
	require.NoError(t, err)

	assert.Equal(t, a, b, "key order and whitespace must not affect the checksum")
}

func TestSum_DistinguishesValues(t *testing.T) {
	a, err := Sum(json.RawMessage(`{"score": 5}`))
	require.NoError(t, err)

	b, err := Sum(json.RawMessage(`{"score": 6}`))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestSum_EmptyTreatedAsNull(t *testing.T) {
	empty, err := Sum(nil)
	require.NoError(t, err)

	null, err := Sum(json.RawMessage(`null`))
	require.NoError(t, err)

	assert.Equal(t, null, empty)
}

func TestSum_Is128Bit(t *testing.T) {
	sum, err := Sum(json.RawMessage(`0`))
	require.NoError(t, err)
	assert.Len(t, sum, 32, "hex-encoded 128-bit digest")
}

func TestSum_InvalidJSON(t *testing.T) {
	_, err := Sum(json.RawMessage(`{"broken":`))
	assert.Error(t, err)
}

func TestCanonicalize(t *testing.T) {
	got, err := Canonicalize(json.RawMessage("{\n  \"b\": 1,\n  \"a\": [1, 2]\n}"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2],"b":1}`, string(got))
}
