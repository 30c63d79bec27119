package compression

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRoundTripAllCodecs(t *testing.T) {
	reg := NewRegistry([]string{Gzip, Deflate, Zstd, Brotli}, DefaultParams())
	input := []byte("the quick brown fox jumps over the lazy dog, repeated a few times: " +
		"the quick brown fox jumps over the lazy dog, repeated a few times.")

	for _, name := range []string{Gzip, Deflate, Zstd, Brotli} {
		t.Run(name, func(t *testing.T) {
			enc, ok := reg.Encoder(name)
			require.True(t, ok)
			dec, ok := reg.Decoder(name)
			require.True(t, ok)

			compressed, err := enc.EncodeFull(nil, input)
			require.NoError(t, err)
			assert.NotEqual(t, input, compressed)

			out, err := dec.DecodeFull(compressed, 0)
			require.NoError(t, err)
			assert.Equal(t, input, out)
		})
	}
}

func TestRegistryPreferenceOrderMatchesConstruction(t *testing.T) {
	reg := NewRegistry([]string{Zstd, Gzip}, DefaultParams())
	assert.Equal(t, []string{Zstd, Gzip}, reg.PreferenceOrder())
}

func TestRegistryOnlyExposesEnabledCodecs(t *testing.T) {
	reg := NewRegistry([]string{Gzip}, DefaultParams())
	_, ok := reg.Encoder(Brotli)
	assert.False(t, ok)
}

func TestStreamEncoderProducesDecodableOutput(t *testing.T) {
	reg := NewRegistry([]string{Gzip}, DefaultParams())
	enc, _ := reg.Encoder(Gzip)
	dec, _ := reg.Decoder(Gzip)

	stream := enc.NewStream()
	var buf bytes.Buffer
	for _, chunk := range [][]byte{[]byte("hello "), []byte("streaming "), []byte("world")} {
		out, err := stream.EncodeChunk(chunk)
		require.NoError(t, err)
		buf.Write(out)
	}
	final, err := stream.Close()
	require.NoError(t, err)
	buf.Write(final)

	r, err := dec.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello streaming world", string(got))
}

func TestDecodeFullRejectsOversizeOutput(t *testing.T) {
	reg := NewRegistry([]string{Gzip}, DefaultParams())
	enc, _ := reg.Encoder(Gzip)
	dec, _ := reg.Decoder(Gzip)

	input := bytes.Repeat([]byte("a"), 4096)
	compressed, err := enc.EncodeFull(nil, input)
	require.NoError(t, err)

	_, err = dec.DecodeFull(compressed, 16)
	assert.Error(t, err)
}
