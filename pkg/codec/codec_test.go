package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	in := map[string]any{"xs": []any{float64(1), float64(2), float64(3)}, "name": "sum"}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeDeterministic(t *testing.T) {
	v := map[string]any{"b": 2, "a": 1, "c": 3}

	first, err := Encode(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Encode(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDecodeError(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}
