package headers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddPreservesArrivalOrderAndCasing(t *testing.T) {
	var l List
	l.Add("X-Custom", "one")
	l.Add("x-custom", "two")

	var names []string
	l.Range(func(name, value string) { names = append(names, name+"="+value) })
	assert.Equal(t, []string{"X-Custom=one", "x-custom=two"}, names)
}

func TestGetIsCaseInsensitiveAndReturnsFirst(t *testing.T) {
	var l List
	l.Add("Content-Type", "text/plain")
	l.Add("content-type", "text/html")

	v, ok := l.Get("CONTENT-TYPE")
	require.True(t, ok)
	assert.Equal(t, "text/plain", v)
}

func TestSetReplacesAllPriorValues(t *testing.T) {
	var l List
	l.Add("Host", "a")
	l.Add("Host", "b")
	l.Set("Host", "c")

	assert.Equal(t, 1, l.Count("Host"))
	v, _ := l.Get("host")
	assert.Equal(t, "c", v)
}

func TestCountDetectsDuplicateSingletons(t *testing.T) {
	var l List
	l.Add("Content-Length", "10")
	l.Add("Content-Length", "20")
	assert.Equal(t, 2, l.Count("content-length"))
}

func TestDelRemovesAllOccurrences(t *testing.T) {
	var l List
	l.Add("X-A", "1")
	l.Add("X-A", "2")
	l.Add("X-B", "3")
	l.Del("x-a")

	assert.False(t, l.Has("X-A"))
	assert.True(t, l.Has("X-B"))
	assert.Equal(t, 1, l.Len())
}

func TestCloneIsIndependent(t *testing.T) {
	var l List
	l.Add("X-A", "1")
	c := l.Clone()
	c.Add("X-A", "2")

	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 2, c.Len())
}

func TestWriteToExcludesFilteredNamesAndStripsCRLF(t *testing.T) {
	var l List
	l.Add("X-Safe", "fine")
	l.Add("X-Evil", "bad\r\nInjected: true")
	l.Add("Connection", "keep-alive")

	var sb strings.Builder
	err := l.WriteTo(&sb, map[string]bool{"connection": true})
	require.NoError(t, err)

	out := sb.String()
	assert.Contains(t, out, "X-Safe: fine\r\n")
	assert.NotContains(t, out, "Connection:")
	assert.NotContains(t, out, "\r\nInjected: true")
}

func TestValidFieldName(t *testing.T) {
	assert.True(t, ValidFieldName("X-Custom-Header"))
	assert.False(t, ValidFieldName(""))
	assert.False(t, ValidFieldName("Bad Name"))
	assert.False(t, ValidFieldName("Bad:Colon"))
}

func TestValidFieldValueRejectsCRLF(t *testing.T) {
	assert.True(t, ValidFieldValue("normal value"))
	assert.False(t, ValidFieldValue("has\r\ninjection"))
}

func TestEqualFold(t *testing.T) {
	assert.True(t, EqualFold("Content-Type", "content-type"))
	assert.False(t, EqualFold("Content-Type", "Content-Length"))
	assert.False(t, EqualFold("gzip", "gzi"))
}
