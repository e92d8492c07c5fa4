package webauthn

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
)

// Authenticator data flag bits (spec §4.4.3 step 4, big-endian bit layout
// within the single flags byte). Names match the WebAuthn spec's own
// mnemonic, not the byte position.
const (
	flagUserPresent         byte = 1 << 0 // UP
	flagUserVerified        byte = 1 << 2 // UV
	flagAttestedCredentials byte = 1 << 6 // AT
)

var aaguidZero [16]byte

// rpIDHash returns SHA-256 of the relying-party id's UTF-8 bytes.
func rpIDHash(rpID string) [32]byte {
	return sha256.Sum256([]byte(rpID))
}

// buildRegistrationAuthData assembles authenticatorData for a creation
// ceremony: rpIdHash || flags || signCount(0) || attestedCredentialData
// (spec §4.4.3 step 4).
func buildRegistrationAuthData(rpID string, credentialID []byte, pub *ecdsa.PublicKey, userVerified bool) ([]byte, error) {
	cose, err := encodeCOSEPublicKey(pub)
	if err != nil {
		return nil, err
	}

	hash := rpIDHash(rpID)
	flags := flagUserPresent | flagAttestedCredentials
	if userVerified {
		flags |= flagUserVerified
	}

	buf := make([]byte, 0, 32+1+4+16+2+len(credentialID)+len(cose))
	buf = append(buf, hash[:]...)
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, 0) // initial signCount

	buf = append(buf, aaguidZero[:]...)
	var credIDLen [2]byte
	binary.BigEndian.PutUint16(credIDLen[:], uint16(len(credentialID)))
	buf = append(buf, credIDLen[:]...)
	buf = append(buf, credentialID...)
	buf = append(buf, cose...)

	return buf, nil
}

// buildAssertionAuthData assembles authenticatorData for an assertion
// ceremony: rpIdHash || flags || signCount (spec §4.4.4 step 4). No
// attested credential data is present on assertion.
func buildAssertionAuthData(rpID string, signCount uint32, userVerified bool) []byte {
	hash := rpIDHash(rpID)
	flags := flagUserPresent
	if userVerified {
		flags |= flagUserVerified
	}

	buf := make([]byte, 0, 32+1+4)
	buf = append(buf, hash[:]...)
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, signCount)
	return buf
}
