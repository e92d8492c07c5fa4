package webauthn

import "github.com/fxamacker/cbor/v2"

// attestationObject mirrors spec §4.4.3 step 5: the CBOR map
// {"fmt":"none","attStmt":{},"authData":<bytes>} with keys in exactly that
// order. Declaration order drives fxamacker/cbor's default (non-canonical,
// non-sorted) map encoding, which is what makes this byte-exact without a
// hand-rolled encoder.
type attestationObject struct {
	Fmt      string                 `cbor:"fmt"`
	AttStmt  map[string]interface{} `cbor:"attStmt"`
	AuthData []byte                 `cbor:"authData"`
}

// buildAttestationObject encodes the "none" attestation format: an empty
// attStmt, never a signed attestation statement (spec §4.4.3 step 5).
func buildAttestationObject(authData []byte) ([]byte, error) {
	obj := attestationObject{
		Fmt:      "none",
		AttStmt:  map[string]interface{}{},
		AuthData: authData,
	}
	return cbor.Marshal(obj)
}
