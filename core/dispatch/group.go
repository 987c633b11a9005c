package dispatch

import (
	"context"

	"github.com/kilianp07/serverqueue/core/logger"
	"github.com/kilianp07/serverqueue/core/model"
	"github.com/kilianp07/serverqueue/core/registry"
)

// GroupDispatcher sends clients queued for a group to one of its members.
// Plain destinations go straight to the inner dispatcher.
type GroupDispatcher struct {
	inner  Dispatcher
	groups *registry.Grouped
	log    logger.Logger
}

// NewGroupDispatcher wraps inner with member selection from groups.
func NewGroupDispatcher(inner Dispatcher, groups *registry.Grouped, log logger.Logger) *GroupDispatcher {
	return &GroupDispatcher{inner: inner, groups: groups, log: logger.OrNop(log)}
}

// Attempt resolves a group to the member with the most room.
func (d *GroupDispatcher) Attempt(ctx context.Context, c model.Client, dest string) error {
	if !d.groups.IsGroup(dest) {
		return d.inner.Attempt(ctx, c, dest)
	}
	member, err := d.groups.Pick(ctx, dest, c.ID)
	if err != nil {
		return err
	}
	d.log.Debugf("group %s routes %s to %s", dest, c.ID, member)
	return d.inner.Attempt(ctx, c, member)
}

// EvictOneLowPriority frees a slot on the first member that gives one up.
func (d *GroupDispatcher) EvictOneLowPriority(ctx context.Context, dest string) (model.ClientID, error) {
	members := d.groups.Members(dest)
	if members == nil {
		return d.inner.EvictOneLowPriority(ctx, dest)
	}
	for _, m := range members {
		id, err := d.inner.EvictOneLowPriority(ctx, m)
		if err != nil {
			d.log.Warnf("evict on %s for group %s: %v", m, dest, err)
			continue
		}
		if id != "" {
			return id, nil
		}
	}
	return "", nil
}
