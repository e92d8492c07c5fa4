package webauthn

import "encoding/base64"

// base64URLEncode produces unpadded base64url per RFC 4648 §5, used for
// every binary field this package emits (challenges inside clientDataJSON;
// wire-response binary fields use protocol.URLEncodedBase64 instead, which
// applies the same encoding at JSON-marshal time).
func base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
