package backoff

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleDoublesUpToCap(t *testing.T) {
	s := NewSchedule()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30, 30, 30}
	for i, w := range want {
		d, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, w*time.Second, d, "attempt %d", i)
	}
}

func TestScheduleExhausts(t *testing.T) {
	s := NewSchedule()
	for i := 0; i < DefaultMaxAttempts; i++ {
		_, err := s.Next()
		require.NoError(t, err)
	}
	_, err := s.Next()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestScheduleResetRestartsSequence(t *testing.T) {
	s := NewSchedule()
	s.Next()
	s.Next()
	s.Reset()
	d, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, DefaultInitial, d)
	assert.Equal(t, 1, s.Attempts())
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	failing := errors.New("boom")

	assert.ErrorIs(t, cb.Execute(func() error { return failing }), failing)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return failing }), failing)
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerRecoversAfterOpenTimeout(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.Execute(func() error { return errors.New("boom") })
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerReopensIfRecoveryAttemptFails(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.Execute(func() error { return errors.New("boom") })
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	failing := errors.New("still down")
	assert.ErrorIs(t, cb.Execute(func() error { return failing }), failing)
	assert.Equal(t, StateOpen, cb.State())
}
