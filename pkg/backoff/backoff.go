// Package backoff implements the extension's reconnection schedule (spec
// §4.5.4): exponential backoff starting at 1s, capped at 30s, for a bounded
// number of attempts before a terminal error state. Adapted from the
// teacher's pkg/resilience, narrowed from a generic retry helper to this
// one concrete schedule plus the circuit breaker the control plane uses to
// stop hammering a server that is actively refusing connections.
package backoff

import (
	"errors"
	"math"
	"sync"
	"time"
)

// Defaults match spec §4.5.4 exactly: "starting at 1 s and capped at ~30 s,
// up to a bounded number of attempts (suggested ten)".
const (
	DefaultInitial    = 1 * time.Second
	DefaultMax        = 30 * time.Second
	DefaultMultiplier = 2.0
	DefaultMaxAttempts = 10
)

// ErrExhausted is returned once MaxAttempts consecutive failures have
// occurred; the caller is expected to enter a terminal error state
// requiring explicit user action (spec §4.5.4).
var ErrExhausted = errors.New("backoff: reconnect attempts exhausted")

// Schedule computes successive reconnect delays and tracks how many
// consecutive attempts have failed. Not safe for concurrent use by design:
// a single reconnect loop owns one Schedule.
type Schedule struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int

	attempt int
}

// NewSchedule builds a Schedule with spec §4.5.4's defaults.
func NewSchedule() *Schedule {
	return &Schedule{
		Initial:     DefaultInitial,
		Max:         DefaultMax,
		Multiplier:  DefaultMultiplier,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Next returns the delay before the next reconnect attempt, or
// ErrExhausted if MaxAttempts consecutive failures have already occurred.
// Call Reset after a successful connection to restart the schedule.
func (s *Schedule) Next() (time.Duration, error) {
	if s.attempt >= s.MaxAttempts {
		return 0, ErrExhausted
	}
	d := time.Duration(float64(s.Initial) * math.Pow(s.Multiplier, float64(s.attempt)))
	if d > s.Max {
		d = s.Max
	}
	s.attempt++
	return d, nil
}

// Reset restarts the schedule after a successful connection; a new session
// begins CONNECTING with no memory of prior failures (spec §4.5.4:
// "no request state survives across sessions").
func (s *Schedule) Reset() {
	s.attempt = 0
}

// Attempts reports how many consecutive failures have been recorded.
func (s *Schedule) Attempts() int { return s.attempt }

// CircuitState is the breaker's current posture.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
)

// ErrCircuitOpen is returned by Execute while the breaker is open and
// openTimeout has not yet elapsed since the last failure.
var ErrCircuitOpen = errors.New("backoff: circuit open")

// CircuitBreaker stops a reconnect loop from hammering a server that is
// actively and consistently refusing connections, independent of the
// per-attempt Schedule above. Each fn passed to Execute is one whole
// connection session (spec §4.5.2's CONNECTING->ACTIVE cycle), not a
// small discrete operation, so there is no separate half-open probation
// state counting several successes before closing: a single session that
// outlives the open timeout is evidence enough that the server is
// reachable again, and closes the breaker immediately.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	failureThreshold int
	openTimeout      time.Duration
	lastFailure      time.Time
}

// NewCircuitBreaker builds a breaker that opens after failureThreshold
// consecutive failures and allows one more attempt once openTimeout has
// elapsed since the last failure.
func NewCircuitBreaker(failureThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
	}
}

// Execute runs fn through the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) <= cb.openTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failureCount++
		cb.lastFailure = time.Now()
		if cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
		}
		return err
	}
	cb.state = StateClosed
	cb.failureCount = 0
	return nil
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
