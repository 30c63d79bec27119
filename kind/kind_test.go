package kind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, 400, ProtocolMalformed.Status())
	assert.Equal(t, 431, HeaderTooLarge.Status())
	assert.Equal(t, 413, PayloadTooLarge.Status())
	assert.Equal(t, 415, UnsupportedMediaType.Status())
	assert.Equal(t, 501, NotImplemented.Status())
	assert.Equal(t, 505, VersionNotSupported.Status())
	assert.Equal(t, 406, NotAcceptable.Status())
	assert.Equal(t, 404, NotFound.Status())
	assert.Equal(t, 405, MethodNotAllowed.Status())
	assert.Equal(t, 408, TimeoutSlowHeaders.Status())
	assert.Equal(t, 500, InternalError.Status())
	assert.Equal(t, 0, TransportFailure.Status())
}

func TestCloseAfterResponse(t *testing.T) {
	assert.False(t, NotFound.CloseAfterResponse())
	assert.False(t, MethodNotAllowed.CloseAfterResponse())
	assert.False(t, NotAcceptable.CloseAfterResponse())
	assert.True(t, ProtocolMalformed.CloseAfterResponse())
	assert.True(t, HeaderTooLarge.CloseAfterResponse())
}

func TestErrorFormatsWithAndWithoutCause(t *testing.T) {
	e := New(NotFound, "no route")
	assert.Equal(t, "not_found: no route", e.Error())

	wrapped := Wrap(InternalError, "upstream dial failed", errors.New("connection refused"))
	assert.Contains(t, wrapped.Error(), "connection refused")
}

func TestAsUnwrapsThroughStandardWrapping(t *testing.T) {
	base := New(PayloadTooLarge, "body exceeds limit")
	wrapped := fmt.Errorf("context: %w", base)

	found, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, PayloadTooLarge, found.K)
}

func TestAsReturnsFalseForPlainError(t *testing.T) {
	_, ok := As(errors.New("plain"))
	assert.False(t, ok)
}
