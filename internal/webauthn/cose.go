package webauthn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// COSE_Key labels for an EC2 key (RFC 9053 §7.1.1), declared in the order
// the spec's step-by-step build lists them: kty, alg, crv, x, y. fxamacker/cbor's
// default (non-canonical) encoder writes map keys in struct declaration
// order, which is what gives this the exact, deterministic key order the
// spec's byte-exactness requirement needs without a hand-rolled encoder.
type coseEC2Key struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint"`
	Crv int    `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

const (
	coseKtyEC2   = 2
	coseAlgES256 = -7
	coseCrvP256  = 1
)

// encodeCOSEPublicKey builds the CBOR-encoded COSE_Key for an ES256 public
// key (spec §4.4.3 step 4, coseKey).
func encodeCOSEPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	if pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("webauthn: unsupported curve %s, only P-256 is implemented", pub.Curve.Params().Name)
	}

	x := make([]byte, 32)
	y := make([]byte, 32)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)

	key := coseEC2Key{
		Kty: coseKtyEC2,
		Alg: coseAlgES256,
		Crv: coseCrvP256,
		X:   x,
		Y:   y,
	}
	return cbor.Marshal(key)
}
