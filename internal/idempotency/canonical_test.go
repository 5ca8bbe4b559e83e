package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{
		"table": "preferences",
		"data":  map[string]any{"b": 2, "a": 1},
	}
	b := map[string]any{
		"data":  map[string]any{"a": 1, "b": 2},
		"table": "preferences",
	}

	ja, err := CanonicalJSON(a)
	require.NoError(t, err)
	jb, err := CanonicalJSON(b)
	require.NoError(t, err)
	assert.Equal(t, ja, jb)
}

func TestCanonicalJSON_ArrayOrderPreserved(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"tags": []any{"x", "y"}})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"tags": []any{"y", "x"}})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCanonicalJSON_OmittedFieldsDisappear(t *testing.T) {
	type args struct {
		Table string `json:"table"`
		Note  string `json:"note,omitempty"`
	}

	a, err := CanonicalJSON(args{Table: "t"})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"table": "t"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalize_Idempotent(t *testing.T) {
	in := map[string]any{
		"n":    3.5,
		"s":    "x",
		"null": nil,
		"obj":  map[string]any{"k": []any{1, 2}},
	}
	once, err := Canonicalize(in)
	require.NoError(t, err)
	twice, err := Canonicalize(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestRequestHash(t *testing.T) {
	h1, err := RequestHash(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	assert.Len(t, h1, 64)

	h2, err := RequestHash(map[string]any{"b": "x", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "key order must not change the hash")

	h3, err := RequestHash(map[string]any{"a": 2, "b": "x"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestRequestHash_Unmarshalable(t *testing.T) {
	_, err := RequestHash(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}
