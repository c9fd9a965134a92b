package decode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID      string         `json:"id"`
	Count   int64          `json:"count"`
	At      time.Time      `json:"at"`
	Nested  map[string]any `json:"nested"`
	Pointer *struct {
		URL string `json:"url"`
	} `json:"pointer"`
}

func TestDecodeMapRFC3339(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 123000000, time.UTC)
	out, err := DecodeMap[sample](map[string]any{
		"id":      "m-1",
		"count":   float64(3),
		"at":      at.Format(time.RFC3339Nano),
		"nested":  `{"k":"v"}`,
		"pointer": map[string]any{"url": "https://x/y.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "m-1", out.ID)
	assert.Equal(t, int64(3), out.Count)
	assert.True(t, at.Equal(out.At))
	assert.Equal(t, "v", out.Nested["k"])
	require.NotNil(t, out.Pointer)
	assert.Equal(t, "https://x/y.png", out.Pointer.URL)
}

func TestDecodeMapUnixMilli(t *testing.T) {
	out, err := DecodeMap[sample](map[string]any{"at": float64(1700000000123)})
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), out.At.UnixMilli())
}

func TestDecodeMapNil(t *testing.T) {
	_, err := DecodeMap[sample](nil)
	assert.Error(t, err)
}

func TestToMapRoundTrip(t *testing.T) {
	m, err := ToMap(struct {
		A string `json:"a"`
	}{A: "x"})
	require.NoError(t, err)
	s, err := ReadString(m, "a")
	require.NoError(t, err)
	assert.Equal(t, "x", s)

	_, err = ReadString(m, "missing")
	assert.Error(t, err)
}
