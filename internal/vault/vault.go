// Package vault implements the persistent, encrypted-at-rest credential
// store described in spec §4.1: WebAuthn private keys, sealed under an AEAD
// with a process-local master key, audited on every read and write.
package vault

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm identifies the signature scheme a credential's private key
// material uses. ES256 is mandatory; the type exists so that encoding paths
// that differ per algorithm (COSE layout, signature re-encoding) dispatch on
// a closed set of variants instead of ad-hoc string checks scattered around
// the engine (DESIGN NOTES §9, "dynamic dispatch over WebAuthn algorithms").
type Algorithm string

const (
	ES256 Algorithm = "ES256"
)

// Credential is a single WebAuthn credential held by the vault. Field names
// mirror spec §3 exactly.
type Credential struct {
	CredentialID       []byte            `json:"credentialId"`
	RPID               string            `json:"rpId"`
	UserHandle         []byte            `json:"userHandle,omitempty"`
	UserDisplayName    string            `json:"userDisplayName,omitempty"`
	Algorithm          Algorithm         `json:"algorithm"`
	PrivateKeyMaterial []byte            `json:"privateKeyMaterial"`
	PublicKeyCOSE      []byte            `json:"publicKeyCose"`
	SignCounter        uint32            `json:"signCounter"`
	CreatedAtMillis    int64             `json:"createdAtMillis"`
	LastUsedAtMillis   *int64            `json:"lastUsedAtMillis,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Authorizer is consulted by every vault operation before it touches a
// credential. internal/authgate.Gate implements this; the interface lives
// here (rather than the vault importing authgate) so the two packages can
// be tested independently and so authgate never needs to know about
// credentials — the gate is a pure function of time and its own state
// (DESIGN NOTES §9, "capability as value").
type Authorizer interface {
	// Check reports whether credential operations are currently permitted
	// and, if not, why (for the audit record's detail field).
	Check() (ok bool, reason string)
}

// envelope is the on-disk encrypted container for the credential set
// (spec §3 VaultFile / §6.3 credentials.json).
type envelope struct {
	Version    int    `json:"version"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// credentialSet is the canonical plaintext the envelope's ciphertext seals.
// Credentials are kept sorted by CredentialID so two in-memory sets that
// hold the same credentials always serialize identically — this is the
// "canonical encoding" spec §4.1 step 4 requires, without a bespoke
// canonical-JSON encoder (see DESIGN.md).
type credentialSet struct {
	Credentials []Credential `json:"credentials"`
}

// Vault is the single in-process source of truth for one user's credential
// set. It is opened once at startup and lives for the process lifetime
// (DESIGN NOTES §9, "lifecycle-managed singletons").
type Vault struct {
	mu   sync.RWMutex
	path string
	aead chacha20poly1305.AEAD

	creds map[string]Credential // keyed by string(CredentialID)

	audit *Log
	auth  Authorizer

	inconsistent bool
}

// Config points a Vault at its on-disk files, per spec §6.3.
type Config struct {
	MasterKeyPath string // master.key
	VaultPath     string // credentials.json
	AuditLogPath  string // audit.log

	// Identity, if set, signs every audit record with the bridge process's
	// own key (SPEC_FULL §1 expansion). Optional: a nil Identity leaves the
	// audit log exactly as spec §4.3 describes it, unsigned.
	Identity Signer
}

// Open loads or initializes the vault at the configured paths, per the
// storage protocol in spec §4.1: load-or-generate the master key, decrypt
// the envelope (hard failure on authentication failure — tampering or key
// mismatch is never silently recovered from), and hold the decrypted set in
// memory.
func Open(cfg Config, auth Authorizer) (*Vault, error) {
	key, err := loadOrGenerateMasterKey(cfg.MasterKeyPath)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: constructing AEAD: %v", ErrStorageError, err)
	}

	auditLog, err := OpenLog(cfg.AuditLogPath)
	if err != nil {
		return nil, err
	}
	if cfg.Identity != nil {
		auditLog.SetIdentity(cfg.Identity)
	}

	v := &Vault{
		path:  cfg.VaultPath,
		aead:  aead,
		creds: make(map[string]Credential),
		audit: auditLog,
		auth:  auth,
	}

	if err := v.load(); err != nil {
		auditLog.Append(OpCreate, "", "", OutcomeError, "vault open: "+err.Error())
		return nil, err
	}
	return v, nil
}

func (v *Vault) load() error {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // empty vault; first mutation creates the file
		}
		return fmt.Errorf("%w: reading vault file: %v", ErrStorageError, err)
	}
	if err := enforceOwnerOnly(v.path); err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		v.inconsistent = true
		return fmt.Errorf("%w: corrupt vault envelope: %v", ErrStorageError, err)
	}

	plaintext, err := v.aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		// AEAD authentication failure: tampering or master-key mismatch.
		// Fail hard, never attempt recovery (spec §4.1 step 2).
		v.inconsistent = true
		return fmt.Errorf("%w: AEAD authentication failed opening vault (tampering or key mismatch)", ErrStorageError)
	}

	var set credentialSet
	if err := json.Unmarshal(plaintext, &set); err != nil {
		v.inconsistent = true
		return fmt.Errorf("%w: corrupt vault plaintext: %v", ErrStorageError, err)
	}

	for _, c := range set.Credentials {
		v.creds[string(c.CredentialID)] = c
	}
	return nil
}

// persist seals the current in-memory set under a fresh nonce and
// atomically replaces the vault file (spec §4.1 step 4: temp file, fsync,
// rename). Callers must hold v.mu for writing.
func (v *Vault) persist() error {
	if v.inconsistent {
		return ErrInconsistent
	}

	ids := make([]string, 0, len(v.creds))
	for id := range v.creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	set := credentialSet{Credentials: make([]Credential, 0, len(ids))}
	for _, id := range ids {
		set.Credentials = append(set.Credentials, v.creds[id])
	}

	plaintext, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("%w: marshal credential set: %v", ErrStorageError, err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: generating nonce: %v", ErrStorageError, err)
	}
	ciphertext := v.aead.Seal(nil, nonce, plaintext, nil)

	env := envelope{Version: 1, Nonce: nonce, Ciphertext: ciphertext}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: marshal envelope: %v", ErrStorageError, err)
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("%w: creating vault directory: %v", ErrStorageError, err)
	}
	tmp := v.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, ownerOnlyMode)
	if err != nil {
		v.inconsistent = true
		return fmt.Errorf("%w: opening temp vault file: %v", ErrStorageError, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		v.inconsistent = true
		return fmt.Errorf("%w: writing temp vault file: %v", ErrStorageError, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		v.inconsistent = true
		return fmt.Errorf("%w: fsync temp vault file: %v", ErrStorageError, err)
	}
	if err := f.Close(); err != nil {
		v.inconsistent = true
		return fmt.Errorf("%w: closing temp vault file: %v", ErrStorageError, err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		v.inconsistent = true
		return fmt.Errorf("%w: installing vault file: %v", ErrStorageError, err)
	}
	if err := enforceOwnerOnly(v.path); err != nil {
		return err
	}
	return nil
}

// checkAuthorized consults the gate and emits a `reject` audit record on
// denial, mirroring spec §4.1 step 5 ("every denial also emits one").
func (v *Vault) checkAuthorized(op Operation, credentialID, rpID string) error {
	ok, reason := v.auth.Check()
	if !ok {
		v.audit.Append(OpReject, credentialID, rpID, OutcomeDenied, fmt.Sprintf("%s denied: %s", op, reason))
		return ErrAuthorizationDenied
	}
	return nil
}

// Create persists a new credential. Fails closed: if the audit write or
// the seal-and-rename fails, the in-memory set is rolled back to its prior
// snapshot and the mutation is not considered to have happened (spec §7
// propagation policy).
func (v *Vault) Create(c Credential) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := string(c.CredentialID)
	if err := v.checkAuthorized(OpCreate, id, c.RPID); err != nil {
		return "", err
	}
	if _, exists := v.creds[id]; exists {
		v.audit.Append(OpCreate, id, c.RPID, OutcomeError, "duplicate credential id")
		return "", ErrDuplicateCredential
	}
	if c.CreatedAtMillis == 0 {
		c.CreatedAtMillis = time.Now().UnixMilli()
	}

	v.creds[id] = c
	if err := v.persist(); err != nil {
		delete(v.creds, id) // roll back: previous snapshot retained
		v.audit.Append(OpCreate, id, c.RPID, OutcomeError, err.Error())
		return "", err
	}
	if err := v.audit.Append(OpCreate, id, c.RPID, OutcomeSuccess, ""); err != nil {
		delete(v.creds, id)
		return "", err
	}
	return id, nil
}

// Lookup returns credentials matching rpID. If allowList is non-empty, the
// result is restricted to credentials whose id appears in allowList, in
// allowList's order (spec §4.1, §8 boundary behavior).
func (v *Vault) Lookup(rpID string, allowList [][]byte) ([]Credential, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkAuthorized(OpLookup, "", rpID); err != nil {
		return nil, err
	}

	var matches []Credential
	if len(allowList) == 0 {
		for _, c := range v.creds {
			if c.RPID == rpID {
				matches = append(matches, c)
			}
		}
		sort.Slice(matches, func(i, j int) bool {
			return string(matches[i].CredentialID) < string(matches[j].CredentialID)
		})
	} else {
		for _, want := range allowList {
			if c, ok := v.creds[string(want)]; ok && c.RPID == rpID {
				matches = append(matches, c)
			}
		}
	}

	if err := v.audit.Append(OpLookup, "", rpID, OutcomeSuccess, fmt.Sprintf("%d matches", len(matches))); err != nil {
		return nil, err
	}
	return matches, nil
}

// BumpUsage records credential use: updates lastUsedAtMillis and advances
// signCounter. Rejects a non-increasing counter (spec §8 boundary
// behavior).
func (v *Vault) BumpUsage(credentialID []byte, newSignCounter uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := string(credentialID)
	if err := v.checkAuthorized(OpAssert, id, ""); err != nil {
		return err
	}
	c, ok := v.creds[id]
	if !ok {
		v.audit.Append(OpAssert, id, "", OutcomeError, "credential not found")
		return ErrNotFound
	}
	if newSignCounter <= c.SignCounter {
		v.audit.Append(OpAssert, id, c.RPID, OutcomeError, "non-increasing sign counter")
		return ErrInvalidParams
	}

	prev := c
	now := time.Now().UnixMilli()
	c.SignCounter = newSignCounter
	c.LastUsedAtMillis = &now
	v.creds[id] = c

	if err := v.persist(); err != nil {
		v.creds[id] = prev
		v.audit.Append(OpAssert, id, c.RPID, OutcomeError, err.Error())
		return err
	}
	if err := v.audit.Append(OpAssert, id, c.RPID, OutcomeSuccess, ""); err != nil {
		v.creds[id] = prev
		return err
	}
	return nil
}

// Delete removes a credential.
func (v *Vault) Delete(credentialID []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := string(credentialID)
	if err := v.checkAuthorized(OpDelete, id, ""); err != nil {
		return err
	}
	prev, ok := v.creds[id]
	if !ok {
		v.audit.Append(OpDelete, id, "", OutcomeError, "credential not found")
		return ErrNotFound
	}
	delete(v.creds, id)
	if err := v.persist(); err != nil {
		v.creds[id] = prev
		v.audit.Append(OpDelete, id, prev.RPID, OutcomeError, err.Error())
		return err
	}
	if err := v.audit.Append(OpDelete, id, prev.RPID, OutcomeSuccess, ""); err != nil {
		v.creds[id] = prev
		return err
	}
	return nil
}

// List returns metadata for every credential, never private key material.
func (v *Vault) List() ([]Credential, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkAuthorized(OpList, "", ""); err != nil {
		return nil, err
	}
	out := make([]Credential, 0, len(v.creds))
	ids := make([]string, 0, len(v.creds))
	for id := range v.creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := v.creds[id]
		c.PrivateKeyMaterial = nil // never listed
		out = append(out, c)
	}
	if err := v.audit.Append(OpList, "", "", OutcomeSuccess, fmt.Sprintf("%d credentials", len(out))); err != nil {
		return nil, err
	}
	return out, nil
}

// Clear removes every credential (passkey_clear).
func (v *Vault) Clear() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkAuthorized(OpDelete, "", ""); err != nil {
		return err
	}
	prev := v.creds
	v.creds = make(map[string]Credential)
	if err := v.persist(); err != nil {
		v.creds = prev
		v.audit.Append(OpDelete, "", "", OutcomeError, err.Error())
		return err
	}
	if err := v.audit.Append(OpDelete, "", "", OutcomeSuccess, "cleared all credentials"); err != nil {
		v.creds = prev
		return err
	}
	return nil
}

// Count returns the number of stored credentials without requiring
// authorization — used by passkey_status, which is always permitted.
func (v *Vault) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.creds)
}

// Close releases the audit log's file handle.
func (v *Vault) Close() error {
	return v.audit.Close()
}
