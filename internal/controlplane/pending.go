package controlplane

import (
	"sync"
	"time"
)

// pendingRequest is a server-side record waiting for a response from the
// active session (spec §3 PendingRequest). resolve/fail are invoked at most
// once; whichever of response, timeout, or session loss happens first wins.
type pendingRequest struct {
	requestID string
	method    string
	sessionID uint64
	deadline  time.Time

	resolve func(result interface{})
	fail    func(err *RPCError)
}

// pendingTable is the keyed-by-requestId table described in spec §5:
// "contention is low since each pending request is touched by the
// submitter and at most one responder."
type pendingTable struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{requests: make(map[string]*pendingRequest)}
}

func (t *pendingTable) add(p *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[p.requestID] = p
}

// resolve completes a pending request with a successful result. A response
// for an id that is no longer pending (already timed out, already resolved,
// or from a superseded session) is silently discarded (spec §4.5.3 step 5).
func (t *pendingTable) resolve(requestID string, result interface{}) {
	t.mu.Lock()
	p, ok := t.requests[requestID]
	if ok {
		delete(t.requests, requestID)
	}
	t.mu.Unlock()
	if ok {
		p.resolve(result)
	}
}

func (t *pendingTable) reject(requestID string, rpcErr *RPCError) {
	t.mu.Lock()
	p, ok := t.requests[requestID]
	if ok {
		delete(t.requests, requestID)
	}
	t.mu.Unlock()
	if ok {
		p.fail(rpcErr)
	}
}

// cancelSession fails every pending request bound to sessionID with
// SessionLost (spec §4.5.2: supersession cancels in-flight requests).
func (t *pendingTable) cancelSession(sessionID uint64) {
	t.mu.Lock()
	var victims []*pendingRequest
	for id, p := range t.requests {
		if p.sessionID == sessionID {
			victims = append(victims, p)
			delete(t.requests, id)
		}
	}
	t.mu.Unlock()

	for _, p := range victims {
		p.fail(newError(CodeSessionLost, "extension session superseded or lost"))
	}
}

// expireOverdue fails every pending request whose deadline has passed with
// Timeout (spec §4.5.3 step 5, §5 cancellation and timeouts).
func (t *pendingTable) expireOverdue(now time.Time) {
	t.mu.Lock()
	var victims []*pendingRequest
	for id, p := range t.requests {
		if !now.Before(p.deadline) {
			victims = append(victims, p)
			delete(t.requests, id)
		}
	}
	t.mu.Unlock()

	for _, p := range victims {
		p.fail(newError(CodeTimeout, "request exceeded its deadline"))
	}
}

func (t *pendingTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}
