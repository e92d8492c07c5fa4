package webauthn

import "encoding/json"

// clientData mirrors spec §4.4.3 step 6 / §4.4.4 step 3: field order MUST be
// exactly type, challenge, origin, crossOrigin, with no extra whitespace.
// encoding/json marshals struct fields in declaration order and produces a
// compact encoding by default, so a plain Marshal already satisfies both
// requirements.
type clientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin"`
}

const (
	clientDataTypeCreate = "webauthn.create"
	clientDataTypeGet    = "webauthn.get"
)

func buildClientDataJSON(typ string, challenge []byte, origin string) ([]byte, error) {
	cd := clientData{
		Type:        typ,
		Challenge:   base64URLEncode(challenge),
		Origin:      origin,
		CrossOrigin: false,
	}
	return json.Marshal(cd)
}
