package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

type sessionState int

const (
	sessionConnecting sessionState = iota
	sessionActive
	sessionClosed
)

// session is one extension↔server WebSocket association (spec §3 Session,
// §4.5.2 state machine). Sessions are never reused: a reconnect always
// produces a fresh one.
type session struct {
	mu                sync.Mutex
	id                uint64
	state             sessionState
	connectedAtMillis int64
	sock              *socket
}

// Bridge owns the single ACTIVE extension session and the table of requests
// pending a response from it (spec §4.5). There is exactly one Bridge per
// process (spec §9 lifecycle-managed singletons).
type Bridge struct {
	mu     sync.Mutex
	active *session
	nextID uint64

	pending *pendingTable
	log     *slog.Logger
}

// NewBridge constructs an empty Bridge; no extension is connected yet.
func NewBridge(log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{pending: newPendingTable(), log: log}
}

// HandleUpgrade accepts one incoming WebSocket connection as the new
// extension session. If a session was already ACTIVE, it is superseded:
// closed, and every request pending on it fails with SessionLost (spec
// §4.5.2). This call blocks, serving the session until it disconnects.
func (b *Bridge) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	sock, err := upgradeSocket(w, r)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.nextID++
	sess := &session{
		id:                b.nextID,
		state:             sessionActive,
		connectedAtMillis: time.Now().UnixMilli(),
		sock:              sock,
	}
	prev := b.active
	b.active = sess
	b.mu.Unlock()

	if prev != nil {
		b.supersede(prev)
	}
	b.log.Info("extension session active", "sessionId", sess.id)

	b.serve(sess)
	return nil
}

func (b *Bridge) supersede(prev *session) {
	prev.mu.Lock()
	prev.state = sessionClosed
	prev.mu.Unlock()
	prev.sock.close("superseded by new connection")
	b.pending.cancelSession(prev.id)
	b.log.Info("extension session superseded", "sessionId", prev.id)
}

// serve reads BridgeResponse frames from sess until the socket errors or
// closes, resolving or rejecting the corresponding pending request. Ordering
// within a session is unconstrained: responses may arrive in any order
// relative to requests (spec §4.5.2).
func (b *Bridge) serve(sess *session) {
	ctx := context.Background()
	for {
		data, err := sess.sock.readMessage(ctx)
		if err != nil {
			b.closeSession(sess)
			return
		}

		var resp BridgeResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			b.log.Warn("discarding malformed bridge frame", "error", err)
			continue
		}

		if resp.Success {
			var result interface{}
			if len(resp.Result) > 0 {
				if err := json.Unmarshal(resp.Result, &result); err != nil {
					b.pending.reject(resp.ID, newError(CodeInternal, "malformed result: "+err.Error()))
					continue
				}
			}
			b.pending.resolve(resp.ID, result)
		} else {
			b.pending.reject(resp.ID, newError(CodeInternal, resp.Error))
		}
	}
}

func (b *Bridge) closeSession(sess *session) {
	b.mu.Lock()
	if b.active == sess {
		b.active = nil
	}
	b.mu.Unlock()

	sess.mu.Lock()
	sess.state = sessionClosed
	sess.mu.Unlock()

	b.pending.cancelSession(sess.id)
	b.log.Info("extension session closed", "sessionId", sess.id)
}

// Dispatch forwards method/params to the ACTIVE session and blocks for its
// response up to timeout (spec §4.5.3). Returns NoExtension immediately if
// no session is active.
func (b *Bridge) Dispatch(ctx context.Context, method string, params interface{}, timeout time.Duration) (interface{}, *RPCError) {
	b.mu.Lock()
	sess := b.active
	b.mu.Unlock()
	if sess == nil {
		return nil, newError(CodeNoExtension, "no extension session active")
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}

	reqID := uuid.NewString()
	resultCh := make(chan interface{}, 1)
	errCh := make(chan *RPCError, 1)

	b.pending.add(&pendingRequest{
		requestID: reqID,
		method:    method,
		sessionID: sess.id,
		deadline:  time.Now().Add(timeout),
		resolve:   func(result interface{}) { resultCh <- result },
		fail:      func(e *RPCError) { errCh <- e },
	})

	bridgeReq := BridgeRequest{ID: reqID, Method: method, Params: paramsJSON}
	data, err := json.Marshal(bridgeReq)
	if err != nil {
		b.pending.reject(reqID, newError(CodeInternal, err.Error()))
		return nil, newError(CodeInternal, err.Error())
	}
	if err := sess.sock.writeMessage(ctx, data); err != nil {
		b.pending.reject(reqID, newError(CodeSessionLost, "writing to extension failed"))
	}

	select {
	case result := <-resultCh:
		return result, nil
	case e := <-errCh:
		return nil, e
	case <-time.After(timeout + time.Second):
		b.pending.reject(reqID, newError(CodeTimeout, "request exceeded its deadline"))
		return nil, newError(CodeTimeout, "request exceeded its deadline")
	}
}

// HasActiveSession reports whether an extension is currently connected
// (used by passkey_status's "attached" field).
func (b *Bridge) HasActiveSession() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active != nil
}

// PendingCount reports the number of in-flight cross-boundary requests
// (used by system_status).
func (b *Bridge) PendingCount() int { return b.pending.count() }

// RunDeadlineSweeper periodically fails overdue pending requests with
// Timeout; callers run this once for the Bridge's lifetime.
func (b *Bridge) RunDeadlineSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.pending.expireOverdue(now)
		}
	}
}
