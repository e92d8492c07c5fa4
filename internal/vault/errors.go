package vault

import "errors"

// Sentinel errors for the credential vault. Callers use errors.Is to
// distinguish them; the control plane maps these onto the agent-facing
// error codes in internal/controlplane.
var (
	ErrDuplicateCredential = errors.New("vault: duplicate credential id")
	ErrAuthorizationDenied = errors.New("vault: authorization denied")
	ErrNotFound            = errors.New("vault: credential not found")
	ErrStorageError        = errors.New("vault: storage error")
	ErrInvalidParams       = errors.New("vault: invalid params")
	ErrInconsistent        = errors.New("vault: marked inconsistent after storage failure, refusing writes until reload")
)
