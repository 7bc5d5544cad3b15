package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerLifecycle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("broker", 2, 30*time.Second)
	b.SetClock(func() time.Time { return now })
	var transitions []string
	b.SetStateChangeHandler(func(_ string, from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	assert.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	now = now.Add(31 * time.Second)
	assert.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(31 * time.Second)
	assert.NoError(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{
		"CLOSED>OPEN", "OPEN>HALF-OPEN", "HALF-OPEN>OPEN", "OPEN>HALF-OPEN", "HALF-OPEN>CLOSED",
	}, transitions)
}

func TestSuccessResetsFailures(t *testing.T) {
	b := New("broker", 2, time.Minute)
	b.SetStateChangeHandler(func(string, State, State) {})
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}
