package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeErrorIsMatchesByCode(t *testing.T) {
	err := ErrSendFailed.WrapMsg("post message", "conv", "c1")
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrSendFailed))
	assert.False(t, errors.Is(err, ErrTransient))
	assert.Equal(t, SendFailed, Code(err))
	assert.Contains(t, err.Error(), "conv=c1")
}

func TestCodeErrorSurvivesFmtWrap(t *testing.T) {
	err := fmt.Errorf("poll: %w", ErrTransient.Wrap())
	assert.True(t, errors.Is(err, ErrTransient))
	assert.Equal(t, TransientNetwork, Code(err))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil))
	assert.NoError(t, WrapMsg(nil, "x"))
}

func TestErrPanic(t *testing.T) {
	assert.NoError(t, ErrPanic(nil))
	err := ErrPanic("boom")
	assert.Equal(t, ServerInternalError, Code(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestToStringOddKV(t *testing.T) {
	assert.Equal(t, "m, a=1, b=MISSING", toString("m", []any{"a", 1, "b"}))
}
