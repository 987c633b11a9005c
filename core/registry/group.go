package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/kilianp07/serverqueue/core/model"
)

// ErrNoMember is returned when no member of a group can take the client.
var ErrNoMember = errors.New("registry: no group member available")

// Source lists destinations and serves their snapshots.
type Source interface {
	Destinations(ctx context.Context) ([]string, error)
	Snapshot(ctx context.Context, dest string) (model.Snapshot, error)
}

// Group is a destination that fans out to several backend servers.
type Group struct {
	Name    string
	Members []string
}

// Grouped lists the groups next to the destinations of an inner source.
// A group is listed while at least one of its members is, and its snapshot
// is the aggregate of the member snapshots.
type Grouped struct {
	inner  Source
	groups []Group
	index  map[string]int
}

// NewGrouped decorates inner with groups. Group names must not collide with
// each other.
func NewGrouped(inner Source, groups ...Group) (*Grouped, error) {
	g := &Grouped{inner: inner, index: make(map[string]int, len(groups))}
	for _, gr := range groups {
		if gr.Name == "" || len(gr.Members) == 0 {
			return nil, fmt.Errorf("registry: group %q needs a name and members", gr.Name)
		}
		if _, dup := g.index[gr.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate group %q", gr.Name)
		}
		g.index[gr.Name] = len(g.groups)
		g.groups = append(g.groups, Group{Name: gr.Name, Members: slices.Clone(gr.Members)})
	}
	return g, nil
}

// IsGroup reports whether name is a group.
func (g *Grouped) IsGroup(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Members returns the members of a group, or nil for a plain destination.
func (g *Grouped) Members(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return slices.Clone(g.groups[i].Members)
}

// Destinations returns the inner destinations followed by every group that
// has a listed member.
func (g *Grouped) Destinations(ctx context.Context) ([]string, error) {
	names, err := g.inner.Destinations(ctx)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(names)
	for _, gr := range g.groups {
		if slices.Contains(names, gr.Name) {
			continue
		}
		if slices.ContainsFunc(gr.Members, func(m string) bool { return slices.Contains(names, m) }) {
			out = append(out, gr.Name)
		}
	}
	return out, nil
}

// Snapshot passes plain destinations through. For a group, reachable
// members pool their free slots; the group is only waiting when every
// member is.
func (g *Grouped) Snapshot(ctx context.Context, dest string) (model.Snapshot, error) {
	i, ok := g.index[dest]
	if !ok {
		return g.inner.Snapshot(ctx, dest)
	}
	snaps := g.memberSnapshots(ctx, g.groups[i].Members)
	if len(snaps) == 0 {
		return model.Snapshot{}, fmt.Errorf("%w: %s", ErrNoMember, dest)
	}
	return aggregate(snaps), nil
}

type memberSnap struct {
	name string
	snap model.Snapshot
}

func (g *Grouped) memberSnapshots(ctx context.Context, members []string) []memberSnap {
	out := make([]memberSnap, 0, len(members))
	for _, m := range members {
		snap, err := g.inner.Snapshot(ctx, m)
		if err != nil {
			continue
		}
		out = append(out, memberSnap{name: m, snap: snap})
	}
	return out
}

func aggregate(snaps []memberSnap) model.Snapshot {
	var (
		agg       model.Snapshot
		open      bool
		reachable bool
		gated     bool
		gatedFree int
	)
	for _, ms := range snaps {
		s := ms.snap
		if s.ReadAt.After(agg.ReadAt) {
			agg.ReadAt = s.ReadAt
		}
		switch {
		case s.Waiting():
		case s.Status == model.StatusRestricted || s.Status == model.StatusWhitelisted:
			gated = true
			for _, id := range s.Allowed {
				if !slices.Contains(agg.Allowed, id) {
					agg.Allowed = append(agg.Allowed, id)
				}
			}
			if !s.IsFull() {
				gatedFree += s.FreeSlots
			}
		default:
			reachable = true
			if !s.IsFull() {
				open = true
				agg.FreeSlots += s.FreeSlots
			}
		}
	}
	switch {
	case open:
		agg.Status = model.StatusOnline
	case reachable:
		agg.Status = model.StatusFull
	case gated:
		agg.Status = model.StatusWhitelisted
		agg.FreeSlots = gatedFree
	default:
		agg.Status = waitingStatus(snaps)
	}
	return agg
}

// waitingStatus prefers the status that ends soonest.
func waitingStatus(snaps []memberSnap) model.Status {
	best := model.StatusOffline
	for _, ms := range snaps {
		switch ms.snap.Status {
		case model.StatusRestarting:
			best = model.StatusRestarting
		case model.StatusPaused:
			if best == model.StatusOffline {
				best = model.StatusPaused
			}
		}
	}
	return best
}

// Pick chooses the member of group that should receive the client: the
// admitting member with the most free slots, config order breaking ties.
// Full members are only returned when no member has room.
func (g *Grouped) Pick(ctx context.Context, group string, id model.ClientID) (string, error) {
	i, ok := g.index[group]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDestination, group)
	}
	var best, full string
	bestFree := 0
	for _, ms := range g.memberSnapshots(ctx, g.groups[i].Members) {
		s := ms.snap
		if s.Waiting() || !s.Admits(id) {
			continue
		}
		if s.IsFull() {
			if full == "" {
				full = ms.name
			}
			continue
		}
		if best == "" || s.FreeSlots > bestFree {
			best, bestFree = ms.name, s.FreeSlots
		}
	}
	switch {
	case best != "":
		return best, nil
	case full != "":
		return full, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrNoMember, group)
	}
}
