package canonical_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/groupchain/pkg/canonical"
)

func TestEncode_SortsKeysWithoutWhitespace(t *testing.T) {
	got, err := canonical.Encode(map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "y": nil},
		"c": []any{"x", 2},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":null,"z":true},"b":1,"c":["x",2]}`, string(got))
}

func TestEncode_StructAndMapAgree(t *testing.T) {
	type body struct {
		Height uint64 `json:"height"`
		Author string `json:"author"`
	}

	fromStruct, err := canonical.Encode(body{Height: 7, Author: "k"})
	require.NoError(t, err)
	fromMap, err := canonical.Encode(map[string]any{"height": 7, "author": "k"})
	require.NoError(t, err)

	assert.Equal(t, fromMap, fromStruct)
}

func TestEncode_ExactLargeIntegers(t *testing.T) {
	got, err := canonical.Encode(map[string]int64{"max": 9223372036854775807})
	require.NoError(t, err)
	assert.Equal(t, `{"max":9223372036854775807}`, string(got))
}

func TestEncode_NoHTMLEscaping(t *testing.T) {
	got, err := canonical.Encode(map[string]string{"t": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"t":"<a&b>"}`, string(got))
}

func TestNormalize_Idempotent(t *testing.T) {
	in := []byte(" { \"b\" : [1, 2], \"a\" : \"x\" } ")
	once, err := canonical.Normalize(in)
	require.NoError(t, err)
	twice, err := canonical.Normalize(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Equal(t, `{"a":"x","b":[1,2]}`, string(once))
}

func TestNormalize_RejectsTrailingData(t *testing.T) {
	_, err := canonical.Normalize([]byte(`{"a":1}{"b":2}`))
	assert.Error(t, err)
}

func TestHash(t *testing.T) {
	h1, err := canonical.Hash(map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := canonical.Hash(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.Equal(t, canonical.HashBytes([]byte(`{"a":1,"b":2}`)), h1)
}
