package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestCanonicalHashStable(t *testing.T) {
	v := map[string]any{"actor": "alice", "risk": 1.5, "nested": map[string]any{"z": true, "a": "x"}}
	h1, err := CanonicalHash(v)
	require.NoError(t, err)
	h2, err := CanonicalHash(v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestEqualIgnoresKeyOrder(t *testing.T) {
	type pair struct {
		A string `json:"a"`
		B int    `json:"b"`
	}
	eq, err := Equal(pair{A: "x", B: 1}, map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	assert.True(t, eq)
}

func TestNormalizeString(t *testing.T) {
	// "é" as combining sequence vs precomposed
	decomposed := "é"
	precomposed := "é"
	assert.Equal(t, NormalizeString(precomposed), NormalizeString(decomposed))
}

func TestNormalizeValueRecurses(t *testing.T) {
	v := map[string]any{
		"é": []any{"é", 1, map[string]any{"k": "é"}},
	}
	got := NormalizeValue(v).(map[string]any)
	inner, ok := got["é"].([]any)
	require.True(t, ok)
	assert.Equal(t, "é", inner[0])
	assert.Equal(t, "é", inner[2].(map[string]any)["k"])
}
