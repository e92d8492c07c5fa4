package controlplane

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTableResolveDeliversResultOnce(t *testing.T) {
	table := newPendingTable()
	var resolved interface{}
	resolveCalls := 0

	table.add(&pendingRequest{
		requestID: "req-1",
		sessionID: 1,
		deadline:  time.Now().Add(time.Minute),
		resolve:   func(r interface{}) { resolved = r; resolveCalls++ },
		fail:      func(*RPCError) { t.Fatal("fail should not be called") },
	})

	table.resolve("req-1", "ok")
	assert.Equal(t, "ok", resolved)
	assert.Equal(t, 1, resolveCalls)

	// A second resolve for the same (already-removed) id is silently
	// discarded rather than re-delivered (spec §4.5.3 step 5).
	table.resolve("req-1", "late")
	assert.Equal(t, 1, resolveCalls)
}

func TestPendingTableRejectUnknownIDIsNoop(t *testing.T) {
	table := newPendingTable()
	require.NotPanics(t, func() {
		table.reject("does-not-exist", newError(CodeTimeout, "x"))
	})
}

func TestPendingTableCancelSessionOnlyAffectsThatSession(t *testing.T) {
	table := newPendingTable()
	var failedA, failedB *RPCError

	table.add(&pendingRequest{
		requestID: "a", sessionID: 1, deadline: time.Now().Add(time.Minute),
		resolve: func(interface{}) {}, fail: func(e *RPCError) { failedA = e },
	})
	table.add(&pendingRequest{
		requestID: "b", sessionID: 2, deadline: time.Now().Add(time.Minute),
		resolve: func(interface{}) {}, fail: func(e *RPCError) { failedB = e },
	})

	table.cancelSession(1)

	require.NotNil(t, failedA)
	assert.Equal(t, CodeSessionLost, failedA.Code)
	assert.Nil(t, failedB)
	assert.Equal(t, 1, table.count())
}

func TestPendingTableExpireOverdueFailsOnlyPastDeadline(t *testing.T) {
	table := newPendingTable()
	var failedExpired, failedFresh *RPCError

	now := time.Now()
	table.add(&pendingRequest{
		requestID: "expired", sessionID: 1, deadline: now.Add(-time.Second),
		resolve: func(interface{}) {}, fail: func(e *RPCError) { failedExpired = e },
	})
	table.add(&pendingRequest{
		requestID: "fresh", sessionID: 1, deadline: now.Add(time.Minute),
		resolve: func(interface{}) {}, fail: func(e *RPCError) { failedFresh = e },
	})

	table.expireOverdue(now)

	require.NotNil(t, failedExpired)
	assert.Equal(t, CodeTimeout, failedExpired.Code)
	assert.Nil(t, failedFresh)
	assert.Equal(t, 1, table.count())
}
