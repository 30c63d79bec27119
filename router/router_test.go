package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slot() Slot { return Slot{Kind: Buffered, Handler: func() {}} }

func TestMatchLiteralBeatsParamAndWildcard(t *testing.T) {
	r := New(Strict)
	r.Register("GET", "/users/admin", slot())
	r.Register("GET", "/users/{id}", slot())
	r.Register("GET", "/users/*rest", slot())

	m := r.Match("GET", "/users/admin")
	require.True(t, m.Found)
	_, hasID := m.Params.Get("id")
	assert.False(t, hasID)
}

func TestMatchParamBeatsWildcard(t *testing.T) {
	r := New(Strict)
	r.Register("GET", "/users/{id}", slot())
	r.Register("GET", "/users/*rest", slot())

	m := r.Match("GET", "/users/42")
	require.True(t, m.Found)
	v, ok := m.Params.Get("id")
	require.True(t, ok)
	assert.Equal(t, "42", v)
}

func TestMatchWildcardCapturesRemainder(t *testing.T) {
	r := New(Strict)
	r.Register("GET", "/static/*path", slot())

	m := r.Match("GET", "/static/css/site.css")
	require.True(t, m.Found)
	v, ok := m.Params.Get("path")
	require.True(t, ok)
	assert.Equal(t, "css/site.css", v)
}

func TestMatch405ReturnsAllowedMethods(t *testing.T) {
	r := New(Strict)
	r.Register("GET", "/widgets", slot())
	r.Register("POST", "/widgets", slot())

	m := r.Match("DELETE", "/widgets")
	assert.False(t, m.Found)
	assert.ElementsMatch(t, []string{"GET", "POST"}, m.Methods)
}

func TestMatchNotFoundNoSiblingMethods(t *testing.T) {
	r := New(Strict)
	r.Register("GET", "/widgets", slot())

	m := r.Match("GET", "/does-not-exist")
	assert.False(t, m.Found)
	assert.Empty(t, m.Methods)
}

func TestTrailingSlashStrictIsExactMatchOnly(t *testing.T) {
	r := New(Strict)
	r.Register("GET", "/widgets", slot())

	m := r.Match("GET", "/widgets/")
	assert.False(t, m.Found)
	assert.Empty(t, m.Redirect)
}

func TestTrailingSlashRedirectPolicy(t *testing.T) {
	r := New(Redirect)
	r.Register("GET", "/widgets", slot())

	m := r.Match("GET", "/widgets/")
	assert.False(t, m.Found)
	assert.Equal(t, "/widgets", m.Redirect)
}

func TestTrailingSlashNormalizePolicy(t *testing.T) {
	r := New(Normalize)
	r.Register("GET", "/widgets", slot())

	m := r.Match("GET", "/widgets/")
	assert.True(t, m.Found)
}

func TestRegisterConflictingHandlerKindPanics(t *testing.T) {
	r := New(Strict)
	r.Register("GET", "/a", Slot{Kind: Buffered, Handler: func() {}})
	assert.Panics(t, func() {
		r.Register("GET", "/a", Slot{Kind: Streaming, Handler: func() {}})
	})
}

func TestAllMethodsUnionsAcrossRoutes(t *testing.T) {
	r := New(Strict)
	r.Register("GET", "/a", slot())
	r.Register("POST", "/b", slot())

	assert.ElementsMatch(t, []string{"GET", "POST"}, r.AllMethods())
}
