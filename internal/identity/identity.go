// Package identity implements the bridge process's own signing keypair
// (SPEC_FULL §1 expansion): independent of any one user's vault, generated
// on first start and used to stamp audit-log entries and identify the
// process in status output. Grounded on the teacher's HostIdentity
// (kernel/host_key.go) and Keyring (factotum/keyring.go) signing-key
// lifecycle: generate-if-absent, persist 0600, never log the private half.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

const ownerOnlyMode = 0600

// Identity holds the bridge process's Ed25519 keypair.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// LoadOrGenerate loads a persisted private key from path, generating and
// persisting a new one on first use. Unlike the teacher's HostIdentity,
// which falls back to an ephemeral in-memory key when the file is missing,
// the bridge's identity is meant to be stable across restarts (it stamps a
// long-lived audit trail), so it always persists what it generates.
func LoadOrGenerate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity: signing key at %s has wrong size %d", path, len(data))
		}
		priv := ed25519.PrivateKey(data)
		return &Identity{PrivateKey: priv, PublicKey: priv.Public().(ed25519.PublicKey)}, nil

	case os.IsNotExist(err):
		_, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("identity: generating key: %w", genErr)
		}
		if writeErr := os.WriteFile(path, priv, ownerOnlyMode); writeErr != nil {
			return nil, fmt.Errorf("identity: persisting key: %w", writeErr)
		}
		return &Identity{PrivateKey: priv, PublicKey: priv.Public().(ed25519.PublicKey)}, nil

	default:
		return nil, fmt.Errorf("identity: reading %s: %w", path, err)
	}
}

// Sign signs data with the process's private key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.PrivateKey, data)
}

// Fingerprint is a short, log-safe identifier for the public half -- never
// the private key, which is never logged or returned to a caller.
func (id *Identity) Fingerprint() string {
	return base64.RawURLEncoding.EncodeToString(id.PublicKey)
}
