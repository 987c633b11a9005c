package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatusRoundTrip(t *testing.T) {
	for s := StatusOnline; s <= StatusPaused; s++ {
		got, err := ParseStatus(s.String())
		assert.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStatus("exploded")
	assert.Error(t, err)
}

func TestSnapshotAdmits(t *testing.T) {
	cases := []struct {
		name string
		snap Snapshot
		id   ClientID
		want bool
	}{
		{"online", Snapshot{Status: StatusOnline, FreeSlots: 1}, "a", true},
		{"offline", Snapshot{Status: StatusOffline}, "a", false},
		{"restarting", Snapshot{Status: StatusRestarting}, "a", false},
		{"whitelisted allowed", Snapshot{Status: StatusWhitelisted, Allowed: []ClientID{"a"}}, "a", true},
		{"whitelisted other", Snapshot{Status: StatusWhitelisted, Allowed: []ClientID{"b"}}, "a", false},
		{"restricted", Snapshot{Status: StatusRestricted}, "a", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.snap.Admits(c.id), c.name)
	}
}

func TestSnapshotFullAndWaiting(t *testing.T) {
	assert.True(t, Snapshot{Status: StatusOnline, FreeSlots: 0}.IsFull())
	assert.True(t, Snapshot{Status: StatusFull, FreeSlots: 3}.IsFull())
	assert.False(t, Snapshot{Status: StatusOnline, FreeSlots: 2}.IsFull())
	assert.True(t, Snapshot{Status: StatusPaused}.Waiting())
	assert.False(t, Snapshot{Status: StatusFull}.Waiting())
}
