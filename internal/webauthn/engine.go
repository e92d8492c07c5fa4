// Package webauthn implements the WebAuthn proxy engine (spec §4.4): it
// intercepts relying-party credential-creation and credential-assertion
// requests and synthesizes byte-exact responses using keys held in the
// vault, gated by the authorization capability.
package webauthn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/maceip/passkeybridge/internal/authgate"
	"github.com/maceip/passkeybridge/internal/vault"
)

// RelyingParty identifies the origin requesting a ceremony.
type RelyingParty struct {
	ID   string
	Name string
}

// User is the account a new credential is bound to.
type User struct {
	ID          []byte
	Name        string
	DisplayName string
}

// CredentialParam names one entry of pubKeyCredParams; only ES256 (-7) is
// honored, per spec §4.4.2.
type CredentialParam struct {
	Type string
	Alg  int
}

// CreateRequest is the event the proxy surface delivers for a registration
// ceremony (spec §4.4.1). Unlike GetRequest, it carries no userVerification
// field: a platform authenticator that performs registration at all
// performs it with UV, so HandleCreate sets UV unconditionally.
type CreateRequest struct {
	RequestID        string
	RP               RelyingParty
	User             User
	Challenge        []byte
	PubKeyCredParams []CredentialParam
	AllowCredentials [][]byte
	Origin           string
}

// GetRequest is the event the proxy surface delivers for an assertion
// ceremony (spec §4.4.1).
type GetRequest struct {
	RequestID        string
	RPID             string
	Challenge        []byte
	AllowCredentials [][]byte
	UserVerification string
	Origin           string
}

func isUVRequired(uv string) bool { return uv == "required" }

// Engine is the WebAuthn proxy engine. One instance per bridge-extension process,
// wired to the single vault and authorization gate (spec §9, "lifecycle-
// managed singletons").
type Engine struct {
	vault *vault.Vault
	gate  *authgate.Gate

	automationMode atomic.Bool
}

// NewEngine constructs an Engine. automationMode must be set explicitly by
// configuration (spec §9: "this specification requires the default to be
// explicit in configuration; do not guess").
func NewEngine(v *vault.Vault, gate *authgate.Gate, automationMode bool) *Engine {
	e := &Engine{vault: v, gate: gate}
	e.automationMode.Store(automationMode)
	return e
}

// SetAutomationMode flips the automation-mode flag (passkey_enable).
func (e *Engine) SetAutomationMode(enabled bool) { e.automationMode.Store(enabled) }

// AutomationMode reports the current flag value (passkey_status).
func (e *Engine) AutomationMode() bool { return e.automationMode.Load() }

// CompleteCreateFunc is the completion callback a real proxy surface would
// invoke; OnCreateRequest guarantees it is invoked exactly once.
type CompleteCreateFunc func(resp *protocol.CredentialCreationResponse, clientErr *ClientError)

// CompleteGetFunc is the assertion-ceremony analogue of CompleteCreateFunc.
type CompleteGetFunc func(resp *protocol.CredentialAssertionResponse, clientErr *ClientError)

// OnCreateRequest models the proxy surface's callback contract: complete is
// called exactly once for requestId, even if the ceremony panics (spec
// §4.4.6, §9 "guaranteed-completion guard"). HandleCreate is the
// synchronous equivalent for callers that just want a return value.
func (e *Engine) OnCreateRequest(req CreateRequest, complete CompleteCreateFunc) {
	var once sync.Once
	safeComplete := func(resp *protocol.CredentialCreationResponse, clientErr *ClientError) {
		once.Do(func() { complete(resp, clientErr) })
	}
	defer func() {
		if r := recover(); r != nil {
			safeComplete(nil, unknown(fmt.Sprintf("internal panic: %v", r)))
		}
	}()
	resp, clientErr := e.HandleCreate(req)
	safeComplete(resp, clientErr)
}

// OnGetRequest is the assertion-ceremony analogue of OnCreateRequest.
func (e *Engine) OnGetRequest(req GetRequest, complete CompleteGetFunc) {
	var once sync.Once
	safeComplete := func(resp *protocol.CredentialAssertionResponse, clientErr *ClientError) {
		once.Do(func() { complete(resp, clientErr) })
	}
	defer func() {
		if r := recover(); r != nil {
			safeComplete(nil, unknown(fmt.Sprintf("internal panic: %v", r)))
		}
	}()
	resp, clientErr := e.HandleGet(req)
	safeComplete(resp, clientErr)
}

// HandleCreate runs the registration ceremony (spec §4.4.3) and returns
// either a wire-ready response or a client error. Never returns a Go error;
// all failure surfaces through clientErr per §4.4.6.
func (e *Engine) HandleCreate(req CreateRequest) (resp *protocol.CredentialCreationResponse, clientErr *ClientError) {
	defer func() {
		if r := recover(); r != nil {
			resp, clientErr = nil, unknown(fmt.Sprintf("internal panic: %v", r))
		}
	}()

	if !e.automationMode.Load() {
		return nil, notAllowed("User cancelled")
	}
	if ok, reason := e.gate.Check(); !ok {
		return nil, notAllowed(reason)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, unknown(err.Error())
	}

	credID := make([]byte, 32)
	if _, err := rand.Read(credID); err != nil {
		return nil, unknown(err.Error())
	}

	// Registration always asserts UV|UP|AT: Create has no userVerification
	// field to condition on (spec §4.4.1, §8 scenario 1).
	authData, err := buildRegistrationAuthData(req.RP.ID, credID, &priv.PublicKey, true)
	if err != nil {
		return nil, unknown(err.Error())
	}
	attObj, err := buildAttestationObject(authData)
	if err != nil {
		return nil, unknown(err.Error())
	}
	clientDataJSON, err := buildClientDataJSON(clientDataTypeCreate, req.Challenge, req.Origin)
	if err != nil {
		return nil, unknown(err.Error())
	}
	cose, err := encodeCOSEPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, unknown(err.Error())
	}

	privBytes := make([]byte, 32)
	priv.D.FillBytes(privBytes)

	cred := vault.Credential{
		CredentialID:       credID,
		RPID:               req.RP.ID,
		UserHandle:         req.User.ID,
		UserDisplayName:    req.User.DisplayName,
		Algorithm:          vault.ES256,
		PrivateKeyMaterial: privBytes,
		PublicKeyCOSE:      cose,
		SignCounter:        0,
	}
	if _, err := e.vault.Create(cred); err != nil {
		if errors.Is(err, vault.ErrAuthorizationDenied) {
			return nil, notAllowed("authorization denied")
		}
		return nil, unknown(err.Error())
	}

	resp = &protocol.CredentialCreationResponse{}
	resp.ID = base64URLEncode(credID)
	resp.Type = "public-key"
	resp.RawID = protocol.URLEncodedBase64(credID)
	resp.AuthenticatorAttachment = protocol.AuthenticatorAttachment("platform")
	resp.AttestationResponse.ClientDataJSON = protocol.URLEncodedBase64(clientDataJSON)
	resp.AttestationResponse.AttestationObject = protocol.URLEncodedBase64(attObj)
	return resp, nil
}

// HandleGet runs the assertion ceremony (spec §4.4.4).
func (e *Engine) HandleGet(req GetRequest) (resp *protocol.CredentialAssertionResponse, clientErr *ClientError) {
	defer func() {
		if r := recover(); r != nil {
			resp, clientErr = nil, unknown(fmt.Sprintf("internal panic: %v", r))
		}
	}()

	if !e.automationMode.Load() {
		return nil, notAllowed("User cancelled")
	}
	if ok, reason := e.gate.Check(); !ok {
		return nil, notAllowed(reason)
	}

	creds, err := e.vault.Lookup(req.RPID, req.AllowCredentials)
	if err != nil {
		if errors.Is(err, vault.ErrAuthorizationDenied) {
			return nil, notAllowed("authorization denied")
		}
		return nil, unknown(err.Error())
	}
	if len(creds) == 0 {
		return nil, notAllowed("No matching credential")
	}
	cred := creds[0]

	uv := isUVRequired(req.UserVerification)
	newCount := cred.SignCounter + 1
	authData := buildAssertionAuthData(req.RPID, newCount, uv)

	clientDataJSON, err := buildClientDataJSON(clientDataTypeGet, req.Challenge, req.Origin)
	if err != nil {
		return nil, unknown(err.Error())
	}
	clientDataHash := sha256.Sum256(clientDataJSON)

	signed := make([]byte, 0, len(authData)+len(clientDataHash))
	signed = append(signed, authData...)
	signed = append(signed, clientDataHash[:]...)

	priv := reconstructPrivateKey(cred.PrivateKeyMaterial)
	sig, err := signES256(priv, signed)
	if err != nil {
		return nil, unknown(err.Error())
	}

	if err := e.vault.BumpUsage(cred.CredentialID, newCount); err != nil {
		return nil, unknown(err.Error())
	}

	resp = &protocol.CredentialAssertionResponse{}
	resp.ID = base64URLEncode(cred.CredentialID)
	resp.Type = "public-key"
	resp.RawID = protocol.URLEncodedBase64(cred.CredentialID)
	resp.AuthenticatorAttachment = protocol.AuthenticatorAttachment("platform")
	resp.AssertionResponse.ClientDataJSON = protocol.URLEncodedBase64(clientDataJSON)
	resp.AssertionResponse.AuthenticatorData = protocol.URLEncodedBase64(authData)
	resp.AssertionResponse.Signature = protocol.URLEncodedBase64(sig)
	if len(cred.UserHandle) > 0 {
		resp.AssertionResponse.UserHandle = protocol.URLEncodedBase64(cred.UserHandle)
	}
	return resp, nil
}

// reconstructPrivateKey rebuilds an *ecdsa.PrivateKey from the stored
// scalar: the public point is recomputed by scalar-multiplying the base
// point, since the vault only persists D (spec §3, privateKeyMaterial is
// "algorithm-dependent opaque bytes" — for ES256 that is the 32-byte scalar).
func reconstructPrivateKey(d []byte) *ecdsa.PrivateKey {
	curve := elliptic.P256()
	priv := new(ecdsa.PrivateKey)
	priv.D = new(big.Int).SetBytes(d)
	priv.PublicKey.Curve = curve
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d)
	return priv
}
