package vault

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Operation identifies the kind of vault event an AuditRecord describes.
type Operation string

const (
	OpAuthorize   Operation = "authorize"
	OpDeauthorize Operation = "deauthorize"
	OpExpire      Operation = "expire"
	OpCreate      Operation = "create"
	OpLookup      Operation = "lookup"
	OpAssert      Operation = "assert"
	OpDelete      Operation = "delete"
	OpList        Operation = "list"
	OpReject      Operation = "reject"
)

// Outcome is the result recorded for an audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Record is one append-only audit entry. Field order matches spec §3's
// AuditRecord tuple; json tags keep it a flat, grep-friendly line.
type Record struct {
	TimestampMillis int64     `json:"timestampMillis"`
	Sequence        uint64    `json:"sequence"`
	Operation       Operation `json:"operation"`
	CredentialID    string    `json:"credentialId,omitempty"`
	RPID            string    `json:"rpId,omitempty"`
	Outcome         Outcome   `json:"outcome"`
	Detail          string    `json:"detail,omitempty"`
	Signature       string    `json:"signature,omitempty"`
}

// Signer stamps an audit record with the bridge process's own identity
// (SPEC_FULL §1 expansion). internal/identity.Identity implements this; the
// interface lives here, not an import of that package, for the same reason
// Authorizer lives in this package rather than vault importing authgate.
type Signer interface {
	Sign(data []byte) []byte
}

// Log is the append-only, tamper-evident audit trail described in spec
// §4.3. Every write is flushed (fsync) before Append returns success; a
// write that cannot be persisted fails the caller's operation closed.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	seq    atomic.Uint64
	signer Signer
}

// SetIdentity attaches a Signer whose signature is stamped onto every
// subsequent record. Without one, Log still behaves per spec §4.3 exactly;
// this is additive integrity, not a replacement for append-only+fsync.
func (l *Log) SetIdentity(signer Signer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signer = signer
}

// OpenLog opens (creating if absent) the append-only audit log at path with
// owner-only permissions, refusing to proceed if that mode cannot be
// enforced — same discipline as the vault envelope and master key.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, ownerOnlyMode)
	if err != nil {
		return nil, fmt.Errorf("%w: opening audit log: %v", ErrStorageError, err)
	}
	if err := enforceOwnerOnly(path); err != nil {
		f.Close()
		return nil, err
	}
	return &Log{file: f}, nil
}

// Append writes one record as a single JSON line, flushing before
// returning. Timestamps are milliseconds since epoch; Sequence is a
// monotonic in-process counter used to keep total order when two records
// land in the same millisecond.
func (l *Log) Append(op Operation, credentialID, rpID string, outcome Outcome, detail string) error {
	rec := Record{
		TimestampMillis: time.Now().UnixMilli(),
		Sequence:        l.seq.Add(1),
		Operation:       op,
		CredentialID:    credentialID,
		RPID:            rpID,
		Outcome:         outcome,
		Detail:          detail,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.signer != nil {
		unsigned, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: marshal audit record: %v", ErrStorageError, err)
		}
		rec.Signature = base64.RawURLEncoding.EncodeToString(l.signer.Sign(unsigned))
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal audit record: %v", ErrStorageError, err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("%w: write audit record: %v", ErrStorageError, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync audit record: %v", ErrStorageError, err)
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
