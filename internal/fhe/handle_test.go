package fhe

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleText(t *testing.T) {
	var h Handle
	for i := range h {
		h[i] = byte(i)
	}
	require.False(t, h.IsNull())
	require.True(t, NullHandle.IsNull())

	raw, err := json.Marshal(h)
	require.NoError(t, err)
	require.Equal(t, `"0x000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"`, string(raw))

	var decoded Handle
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, h, decoded)
}

func TestParseHandleRejectsBadInput(t *testing.T) {
	_, err := ParseHandle("0x1234")
	require.Error(t, err)
	_, err = ParseHandle("not-hex")
	require.Error(t, err)
	_, err = HandleFromBytes(make([]byte, 31))
	require.Error(t, err)
}
