package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/serverqueue/core/model"
)

func newSurvivalGroup(t *testing.T) (*Grouped, *Static) {
	t.Helper()
	inner := NewStatic(0, "hub", "survival-1", "survival-2")
	g, err := NewGrouped(inner, Group{Name: "survival", Members: []string{"survival-1", "survival-2"}})
	require.NoError(t, err)
	return g, inner
}

func TestGroupedDestinations(t *testing.T) {
	g, inner := newSurvivalGroup(t)
	ctx := context.Background()
	names, err := g.Destinations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hub", "survival-1", "survival-2", "survival"}, names)
	assert.True(t, g.IsGroup("survival"))
	assert.False(t, g.IsGroup("hub"))
	assert.Equal(t, []string{"survival-1", "survival-2"}, g.Members("survival"))
	assert.Nil(t, g.Members("hub"))

	inner.Remove("survival-1")
	inner.Remove("survival-2")
	names, err = g.Destinations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hub"}, names, "groups without listed members disappear")
}

func TestGroupedSnapshot(t *testing.T) {
	cases := []struct {
		name string
		s1   model.Snapshot
		s2   model.Snapshot
		want model.Status
		free int
	}{
		{"pooled", model.Snapshot{Status: model.StatusOnline, FreeSlots: 2}, model.Snapshot{Status: model.StatusOnline, FreeSlots: 3}, model.StatusOnline, 5},
		{"one full", model.Snapshot{Status: model.StatusFull}, model.Snapshot{Status: model.StatusOnline, FreeSlots: 1}, model.StatusOnline, 1},
		{"all full", model.Snapshot{Status: model.StatusFull}, model.Snapshot{Status: model.StatusOnline}, model.StatusFull, 0},
		{"one down", model.Snapshot{Status: model.StatusOffline}, model.Snapshot{Status: model.StatusOnline, FreeSlots: 4}, model.StatusOnline, 4},
		{"restarting wins", model.Snapshot{Status: model.StatusOffline}, model.Snapshot{Status: model.StatusRestarting}, model.StatusRestarting, 0},
		{"gated", model.Snapshot{Status: model.StatusWhitelisted, FreeSlots: 2, Allowed: []model.ClientID{"a"}}, model.Snapshot{Status: model.StatusOffline}, model.StatusWhitelisted, 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			g, inner := newSurvivalGroup(t)
			require.NoError(t, inner.Set("survival-1", c.s1))
			require.NoError(t, inner.Set("survival-2", c.s2))
			snap, err := g.Snapshot(context.Background(), "survival")
			require.NoError(t, err)
			assert.Equal(t, c.want, snap.Status)
			assert.Equal(t, c.free, snap.FreeSlots)
		})
	}
}

func TestGroupedSnapshotPassThroughAndMissing(t *testing.T) {
	g, inner := newSurvivalGroup(t)
	ctx := context.Background()
	require.NoError(t, inner.Set("hub", model.Snapshot{Status: model.StatusFull}))
	snap, err := g.Snapshot(ctx, "hub")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFull, snap.Status)

	inner.Remove("survival-1")
	inner.Remove("survival-2")
	_, err = g.Snapshot(ctx, "survival")
	assert.ErrorIs(t, err, ErrNoMember)
}

func TestGroupedPick(t *testing.T) {
	g, inner := newSurvivalGroup(t)
	ctx := context.Background()
	require.NoError(t, inner.Set("survival-1", model.Snapshot{Status: model.StatusOnline, FreeSlots: 1}))
	require.NoError(t, inner.Set("survival-2", model.Snapshot{Status: model.StatusOnline, FreeSlots: 3}))
	m, err := g.Pick(ctx, "survival", "a")
	require.NoError(t, err)
	assert.Equal(t, "survival-2", m, "most free slots")

	require.NoError(t, inner.Set("survival-2", model.Snapshot{Status: model.StatusWhitelisted, FreeSlots: 3}))
	m, err = g.Pick(ctx, "survival", "a")
	require.NoError(t, err)
	assert.Equal(t, "survival-1", m, "gated member skipped")

	require.NoError(t, inner.Set("survival-1", model.Snapshot{Status: model.StatusFull}))
	m, err = g.Pick(ctx, "survival", "a")
	require.NoError(t, err)
	assert.Equal(t, "survival-1", m, "full member when nothing has room")

	require.NoError(t, inner.Set("survival-1", model.Snapshot{Status: model.StatusOffline}))
	_, err = g.Pick(ctx, "survival", "a")
	assert.ErrorIs(t, err, ErrNoMember)

	_, err = g.Pick(ctx, "hub", "a")
	assert.ErrorIs(t, err, ErrUnknownDestination)
}

func TestNewGroupedRejectsBadGroups(t *testing.T) {
	inner := NewStatic(1, "a")
	_, err := NewGrouped(inner, Group{Name: "g"})
	assert.Error(t, err)
	_, err = NewGrouped(inner, Group{Name: "g", Members: []string{"a"}}, Group{Name: "g", Members: []string{"a"}})
	assert.Error(t, err)
}
