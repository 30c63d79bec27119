package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePathSimple(t *testing.T) {
	got, ok := DecodePath("/a%20b/c")
	require.True(t, ok)
	assert.Equal(t, "/a b/c", got)
}

func TestDecodePathMalformedEscapeFails(t *testing.T) {
	got, ok := DecodePath("/a%2")
	assert.False(t, ok)
	assert.Equal(t, "/a%2", got)
}

func TestDecodePathLeavesPlusAlone(t *testing.T) {
	got, ok := DecodePath("/a+b")
	require.True(t, ok)
	assert.Equal(t, "/a+b", got)
}

func TestDecodeQueryValueTurnsPlusIntoSpace(t *testing.T) {
	assert.Equal(t, "a b", DecodeQueryValue("a+b"))
}

func TestDecodeQueryValueMalformedEscapeKeptVerbatim(t *testing.T) {
	assert.Equal(t, "ok%2", DecodeQueryValue("ok%2"))
}

func TestQueryIteratorYieldsPairsInOrder(t *testing.T) {
	q := NewQuery("a=1&b=2&flag")
	k, v, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "a", k)
	assert.Equal(t, "1", v)

	k, v, ok = q.Next()
	require.True(t, ok)
	assert.Equal(t, "b", k)
	assert.Equal(t, "2", v)

	k, v, ok = q.Next()
	require.True(t, ok)
	assert.Equal(t, "flag", k)
	assert.Equal(t, "", v)

	_, _, ok = q.Next()
	assert.False(t, ok)
}

func TestGetScansForFirstMatch(t *testing.T) {
	v, ok := Get("a=1&b=2&a=3", "a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	_, ok = Get("a=1", "missing")
	assert.False(t, ok)
}

func TestValidHostHeader(t *testing.T) {
	assert.True(t, ValidHostHeader("example.com:8080"))
	assert.True(t, ValidHostHeader("[::1]:8080"))
	assert.False(t, ValidHostHeader(""))
	assert.False(t, ValidHostHeader("bad host"))
}
