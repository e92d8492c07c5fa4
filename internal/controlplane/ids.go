package controlplane

import "encoding/base64"

// base64urlID and decodeBase64urlID encode/decode credentialId for transit
// across the agent↔server RPC boundary — the vault itself stores
// credentialId as opaque bytes (spec §3), but the wire envelope is JSON.
func base64urlID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

func decodeBase64urlID(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
