package pacing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestGatePerDestination(t *testing.T) {
	g := NewGate(2*time.Second, 0)
	assert.True(t, g.Allow("lobby", t0), "never dispatched")

	g.RecordDispatch("lobby", t0)
	assert.False(t, g.Allow("lobby", t0.Add(time.Second)))
	assert.True(t, g.Allow("survival", t0.Add(time.Second)), "other destinations unaffected")
	assert.True(t, g.Allow("lobby", t0.Add(2*time.Second)))

	last, ok := g.Last("lobby")
	require.True(t, ok)
	assert.Equal(t, t0, last)
}

func TestGateGlobal(t *testing.T) {
	g := NewGate(0, time.Second)
	g.RecordDispatch("lobby", t0)
	assert.False(t, g.Allow("survival", t0.Add(500*time.Millisecond)))
	assert.True(t, g.Allow("survival", t0.Add(time.Second)))
	assert.Equal(t, time.Second, g.Interval())
}

func TestGateIgnoresOlderTimestamps(t *testing.T) {
	g := NewGate(time.Second, 0)
	g.RecordDispatch("lobby", t0.Add(time.Second))
	g.RecordDispatch("lobby", t0)
	last, _ := g.Last("lobby")
	assert.Equal(t, t0.Add(time.Second), last)

	g.Forget("lobby")
	_, ok := g.Last("lobby")
	assert.False(t, ok)
}

// Dispatches recorded only when Allow says so are never closer than the
// interval, whatever the tick cadence.
func TestGateSpacingUnderFastTicks(t *testing.T) {
	const interval = 3 * time.Second
	for _, tick := range []time.Duration{100 * time.Millisecond, time.Second, interval} {
		g := NewGate(interval, 0)
		var sent []time.Time
		for now := t0; now.Before(t0.Add(time.Minute)); now = now.Add(tick) {
			if g.Allow("lobby", now) {
				g.RecordDispatch("lobby", now)
				sent = append(sent, now)
			}
		}
		require.NotEmpty(t, sent)
		for i := 1; i < len(sent); i++ {
			assert.GreaterOrEqual(t, sent[i].Sub(sent[i-1]), interval, "tick %s", tick)
		}
	}
}
