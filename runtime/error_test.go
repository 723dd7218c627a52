package runtime

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, "RUNTIME_ERROR", CodeRuntimeError.String())
	assert.Equal(t, "RUNTIME_NET_NOT_FOUND", CodeNetNotFound.String())
	assert.Equal(t, "RUNTIME_NET_BUSY", CodeNetBusy.String())
	assert.Equal(t, "RUNTIME_REQUEST_REFUSED", CodeRequestRefused.String())
	assert.Equal(t, "RUNTIME_OUT_OF_DEVICE_MEMORY", CodeDeviceOutOfMemory.String())
}

func TestErrorMatching(t *testing.T) {
	err := Errorf(CodeNetBusy, "network %s is busy", "A")
	assert.Contains(t, err.Error(), "RUNTIME_NET_BUSY")
	assert.Contains(t, err.Error(), "network A is busy")

	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, CodeNetBusy, code)
	assert.True(t, IsCode(err, CodeNetBusy))
	assert.False(t, IsCode(err, CodeNetNotFound))

	// Codes survive wrapping.
	wrapped := errors.Wrap(err, "outer context")
	assert.True(t, IsCode(wrapped, CodeNetBusy))

	_, ok = CodeOf(errors.New("untagged"))
	assert.False(t, ok)
	assert.False(t, IsCode(nil, CodeNetBusy))
}

func TestWrapError(t *testing.T) {
	assert.NoError(t, WrapError(CodeRuntimeError, nil, "no-op"))
	err := WrapError(CodeRuntimeError, errors.New("inner"), "context")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeRuntimeError))
	assert.Contains(t, err.Error(), "context")
}

func TestOneErrOnly(t *testing.T) {
	var one OneErrOnly
	assert.NoError(t, one.Get())
	assert.False(t, one.Set(nil))

	first := NewError(CodeRuntimeError, "first")
	second := NewError(CodeNetBusy, "second")
	assert.True(t, one.Set(first))
	assert.False(t, one.Set(second), "later errors are suppressed")
	assert.Equal(t, error(first), one.Get())
}
