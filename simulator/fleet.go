// Package simulator emulates backend servers. A Fleet moves clients between
// servers in memory and keeps a static registry in sync with occupancy; it
// can serve the scheduler directly or answer orders over MQTT.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/kilianp07/serverqueue/core/model"
	"github.com/kilianp07/serverqueue/core/priority"
	"github.com/kilianp07/serverqueue/core/registry"
)

// ErrServerFull is returned when a transfer targets a server without slots.
var ErrServerFull = errors.New("simulator: server full")

// ErrRejected is returned for transfers dropped by the configured reject rate.
var ErrRejected = errors.New("simulator: transfer rejected")

// Config holds parameters for a simulated fleet.
type Config struct {
	Servers    []string
	Capacity   int
	RejectRate float64
	// Latency delays every transfer.
	Latency time.Duration
	Seed    int64
}

type member struct {
	id     model.ClientID
	joined uint64
}

// Fleet tracks which client sits on which server.
type Fleet struct {
	reg      *registry.Static
	capacity int
	weights  priority.PrivilegeSource
	latency  time.Duration
	reject   float64

	mu      sync.Mutex
	rng     *rand.Rand
	members map[string][]member
	where   map[model.ClientID]string
	clock   uint64
}

// NewFleet creates a fleet over cfg.Servers and registers them in reg with
// every slot free. weights ranks connected clients for eviction and may be
// nil.
func NewFleet(cfg Config, reg *registry.Static, weights priority.PrivilegeSource) *Fleet {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	f := &Fleet{
		reg:      reg,
		capacity: cfg.Capacity,
		weights:  weights,
		latency:  cfg.Latency,
		reject:   cfg.RejectRate,
		rng:      rand.New(rand.NewSource(seed)),
		members:  make(map[string][]member),
		where:    make(map[model.ClientID]string),
	}
	for _, s := range cfg.Servers {
		reg.Add(s, model.Snapshot{Status: model.StatusOnline, FreeSlots: cfg.Capacity})
	}
	return f
}

// Connect places a client on a server without going through a transfer,
// as when a player logs in.
func (f *Fleet) Connect(id model.ClientID, server string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moveLocked(id, server)
}

// Disconnect removes the client from whatever server it is on.
func (f *Fleet) Disconnect(id model.ClientID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if from, ok := f.where[id]; ok {
		f.dropLocked(id, from)
	}
}

// ServerOf returns the server the client is on.
func (f *Fleet) ServerOf(id model.ClientID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.where[id]
	return s, ok
}

// Connected lists the clients on server in join order.
func (f *Fleet) Connected(server string) []model.ClientID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ClientID, 0, len(f.members[server]))
	for _, m := range f.members[server] {
		out = append(out, m.id)
	}
	return out
}

// Attempt transfers the client to dest.
func (f *Fleet) Attempt(ctx context.Context, c model.Client, dest string) error {
	if f.latency > 0 {
		t := time.NewTimer(f.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject > 0 && f.rng.Float64() < f.reject {
		return fmt.Errorf("%w: %s to %s", ErrRejected, c.ID, dest)
	}
	return f.moveLocked(c.ID, dest)
}

// EvictOneLowPriority disconnects the lowest weighted client on dest. Ties
// go to the client that has been there longest.
func (f *Fleet) EvictOneLowPriority(ctx context.Context, dest string) (model.ClientID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ms := f.members[dest]
	if len(ms) == 0 {
		return "", nil
	}
	victim := slices.MinFunc(ms, func(a, b member) int {
		if wa, wb := f.weight(a.id), f.weight(b.id); wa != wb {
			return wa - wb
		}
		return int(a.joined) - int(b.joined)
	})
	f.dropLocked(victim.id, dest)
	return victim.id, nil
}

func (f *Fleet) weight(id model.ClientID) int {
	if f.weights == nil {
		return 0
	}
	return f.weights.Priority(model.Client{ID: id})
}

func (f *Fleet) moveLocked(id model.ClientID, dest string) error {
	if _, err := f.reg.Snapshot(context.Background(), dest); err != nil {
		return err
	}
	if f.where[id] == dest {
		return nil
	}
	if len(f.members[dest]) >= f.capacity {
		return fmt.Errorf("%w: %s", ErrServerFull, dest)
	}
	if from, ok := f.where[id]; ok {
		f.dropLocked(id, from)
	}
	f.clock++
	f.members[dest] = append(f.members[dest], member{id: id, joined: f.clock})
	f.where[id] = dest
	f.syncLocked(dest)
	return nil
}

func (f *Fleet) dropLocked(id model.ClientID, server string) {
	f.members[server] = slices.DeleteFunc(f.members[server], func(m member) bool { return m.id == id })
	delete(f.where, id)
	f.syncLocked(server)
}

func (f *Fleet) syncLocked(server string) {
	free := max(f.capacity-len(f.members[server]), 0)
	_ = f.reg.Update(server, func(s *model.Snapshot) {
		s.FreeSlots = free
	})
}
