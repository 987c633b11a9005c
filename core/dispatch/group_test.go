package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/serverqueue/core/model"
	"github.com/kilianp07/serverqueue/core/registry"
)

func newGroupDispatcher(t *testing.T) (*GroupDispatcher, *fakeDispatcher, *registry.Static) {
	t.Helper()
	inner := registry.NewStatic(1, "hub", "s1", "s2")
	groups, err := registry.NewGrouped(inner, registry.Group{Name: "survival", Members: []string{"s1", "s2"}})
	require.NoError(t, err)
	disp := &fakeDispatcher{}
	return NewGroupDispatcher(disp, groups, nil), disp, inner
}

func TestGroupDispatcherAttempt(t *testing.T) {
	d, disp, inner := newGroupDispatcher(t)
	ctx := context.Background()
	require.NoError(t, inner.Set("s2", model.Snapshot{Status: model.StatusOnline, FreeSlots: 5}))

	require.NoError(t, d.Attempt(ctx, model.Client{ID: "a"}, "survival"))
	require.NoError(t, d.Attempt(ctx, model.Client{ID: "b"}, "hub"))
	calls := disp.attempts()
	require.Len(t, calls, 2)
	assert.Equal(t, "s2", calls[0].dest)
	assert.Equal(t, "hub", calls[1].dest)

	require.NoError(t, inner.Set("s1", model.Snapshot{Status: model.StatusOffline}))
	require.NoError(t, inner.Set("s2", model.Snapshot{Status: model.StatusOffline}))
	err := d.Attempt(ctx, model.Client{ID: "c"}, "survival")
	assert.ErrorIs(t, err, registry.ErrNoMember)
}

func TestGroupDispatcherEvict(t *testing.T) {
	d, disp, _ := newGroupDispatcher(t)
	ctx := context.Background()
	disp.evict = func(dest string) (model.ClientID, error) {
		switch dest {
		case "s1":
			return "", errors.New("backend gone")
		case "s2":
			return "idler", nil
		}
		return "", nil
	}
	id, err := d.EvictOneLowPriority(ctx, "survival")
	require.NoError(t, err)
	assert.Equal(t, model.ClientID("idler"), id)
	assert.Equal(t, []string{"s1", "s2"}, disp.evicted)

	id, err = d.EvictOneLowPriority(ctx, "hub")
	require.NoError(t, err)
	assert.Empty(t, id)
}
