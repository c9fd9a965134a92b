package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateVerify(t *testing.T) {
	opts := DefaultOptions([]byte("secret"))
	tok, exp, err := Generate(opts, "u1", "Ann")
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	c, err := Verify(opts, tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", c.MemberID())
	assert.Equal(t, "Ann", c.DisplayName)
}

func TestVerifyRejects(t *testing.T) {
	opts := DefaultOptions([]byte("secret"))
	tok, _, err := Generate(opts, "u1", "")
	require.NoError(t, err)

	_, err = Verify(DefaultOptions([]byte("other")), tok)
	assert.Error(t, err)

	expired := opts
	expired.TTL = time.Nanosecond
	old, _, err := Generate(expired, "u1", "")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, err = Verify(opts, old)
	assert.Error(t, err)

	_, err = Verify(opts, "not-a-token")
	assert.Error(t, err)
}

func TestGenerateRequiresSecret(t *testing.T) {
	_, _, err := Generate(DefaultOptions(nil), "u1", "")
	assert.Error(t, err)

	_, _, err = Generate(Options{Secret: []byte("s"), Alg: "RS256"}, "u1", "")
	assert.Error(t, err)
}
