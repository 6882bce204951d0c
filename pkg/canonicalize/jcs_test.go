package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeysAndDropsWhitespace(t *testing.T) {
	out, err := JCS(map[string]any{"b": 1, "a": "x<y"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x<y","b":1}`, string(out))
}

func TestCanonicalHash_StableAcrossKeyOrder(t *testing.T) {
	type line struct {
		Z string `json:"z"`
		A string `json:"a"`
	}
	h1, err := CanonicalHash(line{Z: "1", A: "2"})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]string{"a": "2", "z": "1"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestText_NormalizesNFC(t *testing.T) {
	decomposed := "Cafe\u0301 "
	assert.Equal(t, "Caf\u00e9", Text(decomposed))
	assert.Equal(t, "", Text("   "))
}
