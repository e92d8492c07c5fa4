package webauthn

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"fmt"
	"math/big"
)

// signatureSize is the length of a raw r||s ECDSA-P256 signature.
const signatureSize = 64

// signES256 signs data with priv and returns the WebAuthn-standard DER
// encoding of the signature (spec §4.4.2): sign raw, then re-encode.
func signES256(priv *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("webauthn: ecdsa sign: %w", err)
	}
	return rawToDER(r, s)
}

// rawToDER re-encodes a raw ECDSA (r, s) pair as ASN.1 DER
// SEQUENCE { INTEGER r, INTEGER s }. encoding/asn1's Marshal on a struct of
// *big.Int already strips leading zero bytes and inserts a 0x00 prefix iff
// the integer's high bit is set, which is exactly the re-encoding rule the
// spec names — no hand-rolled ASN.1 is needed here (see DESIGN.md).
func rawToDER(r, s *big.Int) ([]byte, error) {
	return asn1.Marshal(struct {
		R, S *big.Int
	}{R: r, S: s})
}

// derToRaw decodes a DER-encoded ECDSA signature back into a fixed 64-byte
// r||s form, zero-padding each half to 32 bytes. Used by tests that verify
// the DER↔raw re-encoding is a bijection on well-formed inputs (spec §8).
func derToRaw(der []byte) ([]byte, error) {
	var sig struct {
		R, S *big.Int
	}
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, fmt.Errorf("webauthn: parse DER signature: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("webauthn: trailing bytes after DER signature")
	}

	raw := make([]byte, signatureSize)
	sig.R.FillBytes(raw[:32])
	sig.S.FillBytes(raw[32:])
	return raw, nil
}
