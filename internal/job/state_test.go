package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateValidatorLifecycle(t *testing.T) {
	sv := NewStateValidator()

	path := []Status{StatusPending, StatusPreflight, StatusRendering, StatusDraining, StatusSucceeded}
	for i := 0; i+1 < len(path); i++ {
		assert.NoError(t, sv.ValidateTransition("songA", path[i], path[i+1]))
	}

	for _, from := range []Status{StatusPending, StatusPreflight, StatusRendering, StatusDraining} {
		assert.NoError(t, sv.ValidateTransition("songA", from, StatusFailed), from)
	}
}

func TestStateValidatorRejects(t *testing.T) {
	sv := NewStateValidator()

	tests := []struct {
		from Status
		to   Status
	}{
		{StatusPending, StatusRendering},
		{StatusPreflight, StatusDraining},
		{StatusRendering, StatusSucceeded},
		{StatusSucceeded, StatusFailed},
		{StatusFailed, StatusPreflight},
		{Status("bogus"), StatusPreflight},
	}

	for _, tt := range tests {
		err := sv.ValidateTransition("songA", tt.from, tt.to)
		require.Error(t, err, "%s -> %s", tt.from, tt.to)

		var tErr *TransitionError
		require.ErrorAs(t, err, &tErr)
		assert.Equal(t, tt.from, tErr.From)
		assert.Equal(t, tt.to, tErr.To)
		assert.Contains(t, err.Error(), "songA")
	}
}

func TestTerminalStates(t *testing.T) {
	sv := NewStateValidator()
	assert.True(t, sv.IsTerminalState(StatusSucceeded))
	assert.True(t, sv.IsTerminalState(StatusFailed))
	assert.False(t, sv.IsTerminalState(StatusDraining))
	assert.False(t, sv.IsTerminalState(Status("bogus")))
	assert.Equal(t, []Status{StatusDraining, StatusFailed}, sv.ValidTransitions(StatusRendering))
}

func TestThrottle(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	th := NewThrottle(10 * time.Second)

	assert.True(t, th.Allow(start))
	assert.False(t, th.Allow(start.Add(time.Second)))
	assert.False(t, th.Allow(start.Add(9999*time.Millisecond)))
	assert.True(t, th.Allow(start.Add(10*time.Second)))
	assert.False(t, th.Allow(start.Add(15*time.Second)))
	assert.True(t, th.Allow(start.Add(25*time.Second)))
}

func TestThrottleZeroIntervalAllowsAll(t *testing.T) {
	th := NewThrottle(0)
	now := time.Now()
	for i := 0; i < 5; i++ {
		assert.True(t, th.Allow(now))
	}
}
