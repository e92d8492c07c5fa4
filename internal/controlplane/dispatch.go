// This file implements the passkey_* method surface (spec §4.5.5) as it is
// actually executed: inside the extension's background context, the only
// context with access to the vault, gate, and WebAuthn proxy surface (spec
// §4.5.3 step 3). cmd/bridge-extension wires a Dispatcher to its local
// Services and answers BridgeRequest frames with it; cmd/bridged's Server
// never constructs a Dispatcher itself — it only relays.
package controlplane

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/maceip/passkeybridge/internal/authgate"
	"github.com/maceip/passkeybridge/internal/vault"
	"github.com/maceip/passkeybridge/internal/webauthn"
)

// Services bundles the singletons a Dispatcher wires request handling to.
// Owned by cmd/bridge-extension, which is a WebSocket client of cmd/bridged
// rather than a Bridge itself — it has no view of "is a session active" in
// the server's sense, so Attached instead reflects this process's own
// outbound connection state, flipped by its reconnect loop.
type Services struct {
	Vault    *vault.Vault
	Gate     *authgate.Gate
	Engine   *webauthn.Engine
	Attached *atomic.Bool

	// BridgeFingerprint identifies this process's signing identity in
	// status output (SPEC_FULL §1 expansion); empty if none was configured.
	BridgeFingerprint string
}

// handlerFunc is one method's implementation; params is the raw JSON params
// object from the agent's request.
type handlerFunc func(s *Services, params json.RawMessage) (interface{}, *RPCError)

// Dispatcher maps method names to handlers (spec §4.5.5's table).
// system_status is not among them: cmd/bridged's Server answers it locally.
type Dispatcher struct {
	services *Services
	handlers map[string]handlerFunc
}

// NewDispatcher builds the fixed method surface.
func NewDispatcher(s *Services) *Dispatcher {
	return &Dispatcher{
		services: s,
		handlers: map[string]handlerFunc{
			"passkey_authorize":   handlePasskeyAuthorize,
			"passkey_deauthorize": handlePasskeyDeauthorize,
			"passkey_status":      handlePasskeyStatus,
			"passkey_enable":      handlePasskeyEnable,
			"passkey_list":        handlePasskeyList,
			"passkey_delete":      handlePasskeyDelete,
			"passkey_clear":       handlePasskeyClear,
		},
	}
}

// Dispatch looks up and runs the handler for method, or reports an unknown
// method as InvalidParams — the agent-level framing does not have a
// distinct "method not found" code in the spec's error taxonomy.
func (d *Dispatcher) Dispatch(method string, params json.RawMessage) (interface{}, *RPCError) {
	h, ok := d.handlers[method]
	if !ok {
		return nil, newError(CodeInvalidParams, "unknown method: "+method)
	}
	return h(d.services, params)
}

func mapVaultError(err error) *RPCError {
	switch {
	case errors.Is(err, vault.ErrAuthorizationDenied):
		return newError(CodeAuthorizationDenied, "authorization denied")
	case errors.Is(err, vault.ErrNotFound):
		return newError(CodeInvalidParams, "credential not found")
	case errors.Is(err, vault.ErrInvalidParams):
		return newError(CodeInvalidParams, err.Error())
	case errors.Is(err, vault.ErrDuplicateCredential):
		return newError(CodeInvalidParams, err.Error())
	default:
		return newError(CodeStorageError, err.Error())
	}
}

type authorizeParams struct {
	DurationSeconds int64  `json:"durationSeconds"`
	Reason          string `json:"reason"`
}

type authorizeResult struct {
	ExpiresAtMillis int64 `json:"expiresAtMillis"`
	Clamped         bool  `json:"clamped"`
}

func handlePasskeyAuthorize(s *Services, raw json.RawMessage) (interface{}, *RPCError) {
	var p authorizeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, newError(CodeInvalidParams, err.Error())
		}
	}
	duration := time.Duration(p.DurationSeconds) * time.Second
	expiresAt, clamped := s.Gate.Authorize(duration, p.Reason)
	return authorizeResult{ExpiresAtMillis: expiresAt.UnixMilli(), Clamped: clamped}, nil
}

func handlePasskeyDeauthorize(s *Services, _ json.RawMessage) (interface{}, *RPCError) {
	s.Gate.Deauthorize()
	return struct{}{}, nil
}

type authorizationStatus struct {
	State           string `json:"state"`
	ExpiresAtMillis *int64 `json:"expiresAtMillis,omitempty"`
}

type statusResult struct {
	Attached          bool                `json:"attached"`
	AutomationMode    bool                `json:"automationMode"`
	CredentialsCount  int                 `json:"credentialsCount"`
	Authorization     authorizationStatus `json:"authorization"`
	BridgeFingerprint string              `json:"bridgeFingerprint,omitempty"`
}

func handlePasskeyStatus(s *Services, _ json.RawMessage) (interface{}, *RPCError) {
	authorized, expiresAt, _ := s.Gate.Status()
	auth := authorizationStatus{State: "UNAUTHORIZED"}
	if authorized {
		auth.State = "AUTHORIZED"
		millis := expiresAt.UnixMilli()
		auth.ExpiresAtMillis = &millis
	}
	return statusResult{
		Attached:          s.Attached.Load(),
		AutomationMode:    s.Engine.AutomationMode(),
		CredentialsCount:  s.Vault.Count(),
		Authorization:     auth,
		BridgeFingerprint: s.BridgeFingerprint,
	}, nil
}

type enableParams struct {
	Enabled bool `json:"enabled"`
}

func handlePasskeyEnable(s *Services, raw json.RawMessage) (interface{}, *RPCError) {
	var p enableParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	s.Engine.SetAutomationMode(p.Enabled)
	return struct{}{}, nil
}

type listParams struct {
	RPID string `json:"rpId"`
}

type credentialSummary struct {
	CredentialID     string            `json:"credentialId"`
	RPID             string            `json:"rpId"`
	UserDisplayName  string            `json:"userDisplayName,omitempty"`
	SignCounter      uint32            `json:"signCounter"`
	CreatedAtMillis  int64             `json:"createdAtMillis"`
	LastUsedAtMillis *int64            `json:"lastUsedAtMillis,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func handlePasskeyList(s *Services, raw json.RawMessage) (interface{}, *RPCError) {
	var p listParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, newError(CodeInvalidParams, err.Error())
		}
	}

	creds, err := s.Vault.List()
	if err != nil {
		return nil, mapVaultError(err)
	}

	out := make([]credentialSummary, 0, len(creds))
	for _, c := range creds {
		if p.RPID != "" && c.RPID != p.RPID {
			continue
		}
		out = append(out, credentialSummary{
			CredentialID:     base64urlID(c.CredentialID),
			RPID:             c.RPID,
			UserDisplayName:  c.UserDisplayName,
			SignCounter:      c.SignCounter,
			CreatedAtMillis:  c.CreatedAtMillis,
			LastUsedAtMillis: c.LastUsedAtMillis,
			Metadata:         c.Metadata,
		})
	}
	return out, nil
}

type credentialIDParams struct {
	CredentialID string `json:"credentialId"`
}

func handlePasskeyDelete(s *Services, raw json.RawMessage) (interface{}, *RPCError) {
	var p credentialIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	id, err := decodeBase64urlID(p.CredentialID)
	if err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	if err := s.Vault.Delete(id); err != nil {
		return nil, mapVaultError(err)
	}
	return struct{}{}, nil
}

func handlePasskeyClear(s *Services, _ json.RawMessage) (interface{}, *RPCError) {
	if err := s.Vault.Clear(); err != nil {
		return nil, mapVaultError(err)
	}
	return struct{}{}, nil
}
