// Package authgate implements the time-bounded authorization capability
// described in spec §4.2: a single process-wide gate that the vault
// consults before every credential operation, open only while an agent
// holds a live, unexpired grant.
package authgate

import (
	"fmt"
	"sync"
	"time"

	"github.com/maceip/passkeybridge/internal/vault"
)

// Default and maximum grant durations (spec §4.2 [EXPANSION]).
const (
	DefaultDuration = 8 * time.Hour
	MaxDuration     = 24 * time.Hour
)

// state is the gate's internal two-state machine: UNAUTHORIZED, or
// AUTHORIZED until expiresAt.
type state int

const (
	stateUnauthorized state = iota
	stateAuthorized
)

// Gate is the authorization capability. Zero value is not usable; build one
// with New. Safe for concurrent use. There is exactly one instance per
// process (spec §4.2 policy).
type Gate struct {
	mu        sync.Mutex
	state     state
	expiresAt time.Time
	reason    string

	now   func() time.Time
	audit *vault.Log
}

// New constructs a Gate starting UNAUTHORIZED. audit may be nil in tests
// that do not care about the audit trail.
func New(audit *vault.Log) *Gate {
	return &Gate{
		state: stateUnauthorized,
		now:   time.Now,
		audit: audit,
	}
}

func (g *Gate) append(op vault.Operation, outcome vault.Outcome, detail string) {
	if g.audit == nil {
		return
	}
	g.audit.Append(op, "", "", outcome, detail)
}

// Authorize grants credential access for duration, clamped to
// (0, MaxDuration]; zero or negative duration uses DefaultDuration.
// Re-authorizing while already AUTHORIZED replaces the expiry with
// now+duration rather than stacking the two (spec §4.2).
func (g *Gate) Authorize(duration time.Duration, reason string) (expiresAt time.Time, clamped bool) {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if duration > MaxDuration {
		duration = MaxDuration
		clamped = true
	}

	g.mu.Lock()
	g.state = stateAuthorized
	g.expiresAt = g.now().Add(duration)
	g.reason = reason
	expiresAt = g.expiresAt
	g.mu.Unlock()

	detail := reason
	if clamped {
		detail = fmt.Sprintf("clamped=true reason=%s", reason)
	}
	g.append(vault.OpAuthorize, vault.OutcomeSuccess, detail)
	return expiresAt, clamped
}

// Deauthorize explicitly revokes any live grant. Deauthorizing an already
// unauthorized gate is a no-op but still audited, since it is always a
// permitted, intentional action (spec §4.5.5).
func (g *Gate) Deauthorize() {
	g.mu.Lock()
	g.state = stateUnauthorized
	g.expiresAt = time.Time{}
	g.reason = ""
	g.mu.Unlock()

	g.append(vault.OpDeauthorize, vault.OutcomeSuccess, "")
}

// Check performs the atomic check-and-expire: if a live grant has passed
// its expiry, it transitions to UNAUTHORIZED and emits an `expire` audit
// record exactly once before reporting denial. Returns whether credential
// operations are currently permitted and, if not, why.
func (g *Gate) Check() (ok bool, reason string) {
	g.mu.Lock()

	if g.state == stateAuthorized && !g.now().Before(g.expiresAt) {
		g.state = stateUnauthorized
		g.expiresAt = time.Time{}
		g.reason = ""
		g.mu.Unlock()
		g.append(vault.OpExpire, vault.OutcomeSuccess, "grant expired")
		return false, "grant expired"
	}

	permitted := g.state == stateAuthorized
	g.mu.Unlock()
	if !permitted {
		return false, "not authorized"
	}
	return true, ""
}

// Status reports the current state without mutating it: whether a grant is
// live and, if so, when it expires. Used by passkey_status, which must
// never itself trigger side effects or be audited.
func (g *Gate) Status() (authorized bool, expiresAt time.Time, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == stateAuthorized && g.now().Before(g.expiresAt) {
		return true, g.expiresAt, g.reason
	}
	return false, time.Time{}, ""
}
