package webauthn

// ClientError is the {name, message} pair returned to the caller of a
// failed ceremony (spec §4.4.1). name is always one of the three values the
// WebAuthn proxy surface accepts.
type ClientError struct {
	Name    string
	Message string
}

func (e *ClientError) Error() string { return e.Name + ": " + e.Message }

// The three error names the proxy surface accepts (spec §4.4.1, §4.4.6).
const (
	ErrNameNotAllowed   = "NotAllowedError"
	ErrNameUnknown      = "UnknownError"
	ErrNameInvalidState = "InvalidStateError"
)

func notAllowed(message string) *ClientError {
	return &ClientError{Name: ErrNameNotAllowed, Message: message}
}

func unknown(message string) *ClientError {
	return &ClientError{Name: ErrNameUnknown, Message: message}
}
