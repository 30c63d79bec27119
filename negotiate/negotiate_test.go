package negotiate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNegotiateNoHeader(t *testing.T) {
	out := Negotiate("", []string{"zstd", "gzip"})
	assert.Equal(t, Identity, out.Selected)
	assert.False(t, out.Forbidden406)
}

func TestNegotiatePicksServerPreferenceOnTie(t *testing.T) {
	out := Negotiate("gzip, zstd", []string{"zstd", "gzip"})
	assert.Equal(t, "zstd", out.Selected)
}

func TestNegotiateHonorsQValue(t *testing.T) {
	out := Negotiate("gzip;q=0.2, zstd;q=0.8", []string{"gzip", "zstd"})
	assert.Equal(t, "zstd", out.Selected)
}

func TestNegotiateWildcardFallsBackToEnabled(t *testing.T) {
	out := Negotiate("br;q=1.0, *;q=0.5", []string{"gzip"})
	assert.Equal(t, "gzip", out.Selected)
}

func TestNegotiateSkipsUnsupportedCodec(t *testing.T) {
	out := Negotiate("br", []string{"gzip", "zstd"})
	assert.Equal(t, Identity, out.Selected)
}

func TestNegotiateIdentityForbidden406(t *testing.T) {
	out := Negotiate("identity;q=0, br;q=0", []string{"gzip"})
	assert.True(t, out.Forbidden406)
	assert.Equal(t, "", out.Selected)
}

func TestNegotiateIdentityForbiddenButAlternativeAccepted(t *testing.T) {
	out := Negotiate("identity;q=0, gzip;q=1.0", []string{"gzip"})
	assert.Equal(t, "gzip", out.Selected)
	assert.False(t, out.Forbidden406)
}

func TestNegotiateDuplicateTokenFirstWins(t *testing.T) {
	out := Negotiate("gzip;q=0.1, gzip;q=0.9", []string{"gzip"})
	// First occurrence wins per the documented divergence from strict
	// max-q duplicate resolution.
	out2 := Negotiate("gzip;q=0.1", []string{"gzip"})
	assert.Equal(t, out2.Selected, out.Selected)
}

func TestNegotiateMalformedQValueTreatedAsZero(t *testing.T) {
	out := Negotiate("gzip;q=notanumber", []string{"gzip", "identity"})
	assert.Equal(t, Identity, out.Selected)
}
