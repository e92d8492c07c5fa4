package webauthn

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maceip/passkeybridge/internal/authgate"
	"github.com/maceip/passkeybridge/internal/vault"
)

func newTestEngine(t *testing.T, automationMode bool) (*Engine, *vault.Vault, *authgate.Gate) {
	t.Helper()
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")
	auditLog, err := vault.OpenLog(auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	gate := authgate.New(auditLog)

	v, err := vault.Open(vault.Config{
		MasterKeyPath: filepath.Join(dir, "master.key"),
		VaultPath:     filepath.Join(dir, "credentials.json"),
		AuditLogPath:  filepath.Join(dir, "vault-audit.log"),
	}, gate)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	return NewEngine(v, gate, automationMode), v, gate
}

func bytesOf(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// Scenario 1: fresh install register (spec §8).
func TestScenario1_FreshInstallRegister(t *testing.T) {
	engine, v, gate := newTestEngine(t, true)
	gate.Authorize(time.Hour, "test")

	req := CreateRequest{
		RequestID: "req-1",
		RP:        RelyingParty{ID: "example.com"},
		User:      User{ID: bytesOf(32, 0x01)},
		Challenge: bytesOf(32, 0x02),
		Origin:    "https://example.com",
	}
	resp, clientErr := engine.HandleCreate(req)
	require.Nil(t, clientErr)
	require.NotNil(t, resp)

	var cd clientData
	require.NoError(t, json.Unmarshal(resp.AttestationResponse.ClientDataJSON, &cd))
	assert.Equal(t, "webauthn.create", cd.Type)
	assert.Equal(t, base64URLEncode(bytesOf(32, 0x02)), cd.Challenge)
	assert.Equal(t, "https://example.com", cd.Origin)
	assert.False(t, cd.CrossOrigin)

	raw := []byte(resp.AttestationResponse.AttestationObject)
	fmtIdx := bytes.Index(raw, []byte("fmt"))
	attStmtIdx := bytes.Index(raw, []byte("attStmt"))
	authDataIdx := bytes.Index(raw, []byte("authData"))
	require.True(t, fmtIdx >= 0 && attStmtIdx > fmtIdx && authDataIdx > attStmtIdx,
		"attestation object map keys must appear in order fmt, attStmt, authData")

	var obj attestationObject
	require.NoError(t, cbor.Unmarshal(raw, &obj))
	assert.Equal(t, "none", obj.Fmt)
	assert.Empty(t, obj.AttStmt)
	assert.Equal(t, byte(0x45), obj.AuthData[32]&0x45)

	creds, err := v.Lookup("example.com", nil)
	require.NoError(t, err)
	assert.Len(t, creds, 1)
}

// Scenario 2: assertion signature validity (spec §8).
func TestScenario2_AssertionSignatureValidity(t *testing.T) {
	engine, v, gate := newTestEngine(t, true)
	gate.Authorize(time.Hour, "test")

	createResp, clientErr := engine.HandleCreate(CreateRequest{
		RequestID: "req-1",
		RP:        RelyingParty{ID: "example.com"},
		User:      User{ID: bytesOf(32, 0x01)},
		Challenge: bytesOf(32, 0x02),
		Origin:    "https://example.com",
	})
	require.Nil(t, clientErr)

	getResp, clientErr := engine.HandleGet(GetRequest{
		RequestID: "req-2",
		RPID:      "example.com",
		Challenge: bytesOf(32, 0x03),
		Origin:    "https://example.com",
	})
	require.Nil(t, clientErr)
	require.NotNil(t, getResp)

	creds, err := v.Lookup("example.com", nil)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.EqualValues(t, 1, creds[0].SignCounter)

	pub := decodeTestPublicKey(t, createResp.AttestationResponse.AttestationObject)

	clientDataHash := sha256.Sum256(getResp.AssertionResponse.ClientDataJSON)
	signed := append(append([]byte{}, []byte(getResp.AssertionResponse.AuthenticatorData)...), clientDataHash[:]...)

	assert.True(t, ecdsa.VerifyASN1(pub, hash(signed), []byte(getResp.AssertionResponse.Signature)))
}

func hash(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

func decodeTestPublicKey(t *testing.T, attestationObjectBytes []byte) *ecdsa.PublicKey {
	t.Helper()
	var obj attestationObject
	require.NoError(t, cbor.Unmarshal(attestationObjectBytes, &obj))

	// attestedCredentialData = aaguid(16) || credIdLen(2) || credId || coseKey
	authData := obj.AuthData
	credIDLen := int(authData[32+1+4+16])<<8 | int(authData[32+1+4+16+1])
	coseStart := 32 + 1 + 4 + 16 + 2 + credIDLen
	var key coseEC2Key
	require.NoError(t, cbor.Unmarshal(authData[coseStart:], &key))

	x := new(big.Int).SetBytes(key.X)
	y := new(big.Int).SetBytes(key.Y)
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
}

// Scenario 3: unauthorized get (spec §8).
func TestScenario3_UnauthorizedGet(t *testing.T) {
	engine, _, gate := newTestEngine(t, true)
	gate.Authorize(time.Hour, "test")

	_, clientErr := engine.HandleCreate(CreateRequest{
		RequestID: "req-1",
		RP:        RelyingParty{ID: "example.com"},
		User:      User{ID: bytesOf(32, 0x01)},
		Challenge: bytesOf(32, 0x02),
		Origin:    "https://example.com",
	})
	require.Nil(t, clientErr)

	gate.Deauthorize()

	_, clientErr = engine.HandleGet(GetRequest{
		RequestID: "req-2",
		RPID:      "example.com",
		Challenge: bytesOf(32, 0x03),
		Origin:    "https://example.com",
	})
	require.NotNil(t, clientErr)
	assert.Equal(t, ErrNameNotAllowed, clientErr.Name)
}

// Scenario 5: tamper detection (spec §8).
func TestScenario5_TamperDetection(t *testing.T) {
	dir := t.TempDir()
	auditLog, err := vault.OpenLog(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	gate := authgate.New(auditLog)

	cfg := vault.Config{
		MasterKeyPath: filepath.Join(dir, "master.key"),
		VaultPath:     filepath.Join(dir, "credentials.json"),
		AuditLogPath:  filepath.Join(dir, "vault-audit.log"),
	}
	v, err := vault.Open(cfg, gate)
	require.NoError(t, err)

	gate.Authorize(time.Hour, "test")
	engine := NewEngine(v, gate, true)
	_, clientErr := engine.HandleCreate(CreateRequest{
		RequestID: "req-1",
		RP:        RelyingParty{ID: "example.com"},
		User:      User{ID: bytesOf(32, 0x01)},
		Challenge: bytesOf(32, 0x02),
		Origin:    "https://example.com",
	})
	require.Nil(t, clientErr)
	require.NoError(t, v.Close())
	auditLog.Close()

	data, err := os.ReadFile(cfg.VaultPath)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(cfg.VaultPath, data, 0o600))

	auditLog2, err := vault.OpenLog(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	defer auditLog2.Close()
	gate2 := authgate.New(auditLog2)

	_, err = vault.Open(cfg, gate2)
	assert.ErrorIs(t, err, vault.ErrStorageError)
}

// OnCreateRequest must invoke its completion callback exactly once (spec
// §4.4.6, §9). This covers the normal, non-panicking path.
func TestOnCreateRequestCompletesExactlyOnce(t *testing.T) {
	engine, _, gate := newTestEngine(t, true)
	gate.Authorize(time.Hour, "test")

	var calls int
	engine.OnCreateRequest(CreateRequest{
		RequestID: "req-1",
		RP:        RelyingParty{ID: "example.com"},
		User:      User{ID: bytesOf(32, 0x01)},
		Challenge: bytesOf(32, 0x02),
		Origin:    "https://example.com",
	}, func(resp *protocol.CredentialCreationResponse, clientErr *ClientError) {
		calls++
	})
	assert.Equal(t, 1, calls)
}
