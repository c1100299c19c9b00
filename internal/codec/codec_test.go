package codec

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	payloads := [][]byte{
		[]byte{},
		[]byte("x"),
		[]byte(`{"S1":{"A1":{"formula":"=B1+1","cached_value":2}}}`),
		bytes.Repeat([]byte("abcdefgh"), 10000),
	}

	for _, p := range []Profile{ProfileFast, ProfileBalanced, ProfilePortable} {
		for _, b := range payloads {
			enc, err := Encode(b, p)
			require.NoError(t, err, "profile %s", p)

			dec, err := Decode(enc)
			require.NoError(t, err, "profile %s", p)
			assert.Equal(t, b, dec, "profile %s, payload len %d", p, len(b))
		}
	}
}

func TestDecodeAutoDetectsAcrossProfiles(t *testing.T) {
	t.Parallel()

	b := []byte("the same payload under every profile")

	for _, p := range []Profile{ProfileFast, ProfileBalanced, ProfilePortable} {
		enc, err := Encode(b, p)
		require.NoError(t, err)

		hdr, err := Inspect(enc)
		require.NoError(t, err)
		assert.Equal(t, p, hdr.Profile)
		assert.Equal(t, int64(len(b)), hdr.OriginalSize)

		dec, err := Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, b, dec)
	}
}

func TestDecodeLegacyBareGzip(t *testing.T) {
	t.Parallel()

	// A pre-container baseline written as a plain gzip stream must still read.
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte("legacy baseline payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	dec, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []byte("legacy baseline payload"), dec)
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte("not a compressed blob at all"))
	assert.ErrorIs(t, err, ErrUnknownCodec)

	enc, err := Encode([]byte("payload"), ProfileBalanced)
	require.NoError(t, err)

	// Truncate inside the compressed payload.
	_, err = Decode(enc[:len(enc)-3])
	assert.ErrorIs(t, err, ErrCorruptPayload)

	// Flip the container profile tag to an unknown value.
	bad := append([]byte(nil), enc...)
	bad[4] = 0x7f
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestEncodeUnknownProfile(t *testing.T) {
	t.Parallel()

	_, err := Encode([]byte("x"), Profile("lzma"))
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestParseProfile(t *testing.T) {
	t.Parallel()

	p, err := ParseProfile("")
	require.NoError(t, err)
	assert.Equal(t, ProfileBalanced, p)

	p, err = ParseProfile("fast")
	require.NoError(t, err)
	assert.Equal(t, ProfileFast, p)

	_, err = ParseProfile("brotli")
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestExtMapping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ".s2", Ext(ProfileFast))
	assert.Equal(t, ".zst", Ext(ProfileBalanced))
	assert.Equal(t, ".gz", Ext(ProfilePortable))
	assert.Len(t, Extensions(), 3)
}
