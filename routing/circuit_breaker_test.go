package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensExactlyAtThreshold(t *testing.T) {
	cb := newCircuitBreaker("m", 3, time.Minute, nil)
	now := time.Now()

	cb.RecordFailure(now)
	cb.RecordFailure(now)
	assert.Equal(t, BreakerClosed, cb.State(now))

	cb.RecordFailure(now)
	assert.Equal(t, BreakerOpen, cb.State(now))
	assert.ErrorIs(t, cb.Allow(now), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	cb := newCircuitBreaker("m", 1, 10*time.Millisecond, nil)
	now := time.Now()

	cb.RecordFailure(now)
	require.Equal(t, BreakerOpen, cb.State(now))

	later := now.Add(20 * time.Millisecond)
	require.NoError(t, cb.Allow(later))
	// Second concurrent probe is rejected until the first reports back.
	assert.ErrorIs(t, cb.Allow(later), ErrCircuitOpen)

	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State(later))
	assert.Equal(t, 0, cb.ConsecutiveFailures())
}

func TestCircuitBreaker_FailedRecoveryProbeReopens(t *testing.T) {
	cb := newCircuitBreaker("m", 1, 10*time.Millisecond, nil)
	now := time.Now()

	cb.RecordFailure(now)
	later := now.Add(20 * time.Millisecond)
	require.NoError(t, cb.Allow(later))

	cb.RecordFailure(later)
	assert.Equal(t, BreakerOpen, cb.State(later))
	assert.ErrorIs(t, cb.Allow(later.Add(time.Millisecond)), ErrCircuitOpen)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cb := newCircuitBreaker("m", 1, time.Minute, func(modelID string, from, to BreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	now := time.Now()
	cb.RecordFailure(now)
	cb.RecordSuccess()

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->CLOSED"}, transitions)
}

func TestCircuitBreaker_CancelProbeReleasesSlot(t *testing.T) {
	cb := newCircuitBreaker("m", 1, 10*time.Millisecond, nil)
	now := time.Now()

	cb.RecordFailure(now)
	later := now.Add(20 * time.Millisecond)
	require.NoError(t, cb.Allow(later))

	cb.CancelProbe()
	assert.NoError(t, cb.Allow(later))
}
