// Package registry provides an in-memory server registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kilianp07/serverqueue/core/model"
)

// ErrUnknownDestination is returned for destinations the registry does not
// list.
var ErrUnknownDestination = errors.New("registry: unknown destination")

// Static is a registry whose destinations and snapshots are set by hand,
// from configuration or by tests.
type Static struct {
	mu        sync.RWMutex
	order     []string
	snapshots map[string]model.Snapshot
	now       func() time.Time
}

// NewStatic creates a registry listing dests, all online with slots free
// slots each.
func NewStatic(slots int, dests ...string) *Static {
	s := &Static{snapshots: make(map[string]model.Snapshot), now: time.Now}
	for _, d := range dests {
		s.Add(d, model.Snapshot{Status: model.StatusOnline, FreeSlots: slots})
	}
	return s
}

// Add registers dest, or replaces its snapshot when already present.
func (s *Static) Add(dest string, snap model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[dest]; !ok {
		s.order = append(s.order, dest)
	}
	s.snapshots[dest] = snap
}

// Remove unregisters dest.
func (s *Static) Remove(dest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[dest]; !ok {
		return
	}
	delete(s.snapshots, dest)
	s.order = slices.DeleteFunc(s.order, func(d string) bool { return d == dest })
}

// Set replaces the snapshot of a known destination.
func (s *Static) Set(dest string, snap model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[dest]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
	}
	s.snapshots[dest] = snap
	return nil
}

// Update applies fn to the snapshot of a known destination.
func (s *Static) Update(dest string, fn func(*model.Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[dest]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
	}
	fn(&snap)
	s.snapshots[dest] = snap
	return nil
}

// Destinations lists the registered destinations in registration order.
func (s *Static) Destinations(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order), nil
}

// Snapshot returns a copy of the current snapshot of dest.
func (s *Static) Snapshot(_ context.Context, dest string) (model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[dest]
	if !ok {
		return model.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
	}
	snap.Allowed = slices.Clone(snap.Allowed)
	snap.ReadAt = s.now()
	return snap, nil
}
