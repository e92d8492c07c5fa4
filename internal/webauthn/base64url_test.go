package webauthn

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// base64url_encode ∘ base64url_decode = id (spec §8). This package only
// ever encodes locally (decoding of wire fields happens through
// protocol.URLEncodedBase64), so the round trip is checked against the
// stdlib decoder it must stay compatible with.
func TestBase64URLEncodeRoundTripsWithStandardDecoder(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		[]byte("f"),
		[]byte("fo"),
		[]byte("foo"),
		[]byte("foob"),
		[]byte("fooba"),
		[]byte("foobar"),
		make([]byte, 32),
		make([]byte, 64),
	}
	for i := range cases[len(cases)-2] {
		cases[len(cases)-2][i] = byte(i)
	}
	for i := range cases[len(cases)-1] {
		cases[len(cases)-1][i] = byte(255 - i)
	}

	for _, in := range cases {
		encoded := base64URLEncode(in)
		assert.NotContains(t, encoded, "=")
		assert.NotContains(t, encoded, "+")
		assert.NotContains(t, encoded, "/")

		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		require.NoError(t, err)
		assert.Equal(t, []byte(in), decoded)
	}
}
