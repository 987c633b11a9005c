package scenarios

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/serverqueue/core/dispatch"
	"github.com/kilianp07/serverqueue/core/events"
	"github.com/kilianp07/serverqueue/core/model"
	"github.com/kilianp07/serverqueue/core/priority"
	"github.com/kilianp07/serverqueue/core/queue"
	"github.com/kilianp07/serverqueue/core/registry"
	"github.com/kilianp07/serverqueue/infra/logger"
	"github.com/kilianp07/serverqueue/internal/eventbus"
	"github.com/kilianp07/serverqueue/simulator"
)

var errScripted = errors.New("scripted transfer failure")

// scripted rejects every transfer of the listed clients and counts
// evictions.
type scripted struct {
	*simulator.Fleet
	ids     map[model.ClientID]bool
	evicted atomic.Int64
}

func (f *scripted) EvictOneLowPriority(ctx context.Context, dest string) (model.ClientID, error) {
	id, err := f.Fleet.EvictOneLowPriority(ctx, dest)
	if err == nil && id != "" {
		f.evicted.Add(1)
	}
	return id, err
}

func (f *scripted) Attempt(ctx context.Context, c model.Client, dest string) error {
	if f.ids[c.ID] {
		return fmt.Errorf("%w: %s", errScripted, c.ID)
	}
	return f.Fleet.Attempt(ctx, c, dest)
}

// Result is what a scenario produced.
type Result struct {
	Dispatched int
	Dropped    int
	Evicted    int
	Servers    map[string][]string
	Waiting    map[string][]string
}

// Run plays sc against an in-process fleet. Every tick waits for the
// attempts it started before the next one begins.
func Run(ctx context.Context, sc *Scenario) (Result, error) {
	reg := registry.NewStatic(0)
	weights := priority.NewStaticSource(sc.Weights, 0)
	fleet := simulator.NewFleet(simulator.Config{Servers: sc.Servers, Capacity: sc.Capacity, Seed: 1}, reg, weights)
	for server, ids := range sc.Connected {
		for _, id := range ids {
			if err := fleet.Connect(model.ClientID(id), server); err != nil {
				return Result{}, fmt.Errorf("connect %s: %w", id, err)
			}
		}
	}
	fails := make(map[model.ClientID]bool, len(sc.FailClients))
	for _, id := range sc.FailClients {
		fails[model.ClientID(id)] = true
	}

	var (
		mu  sync.Mutex
		res = Result{Servers: map[string][]string{}, Waiting: map[string][]string{}}
	)
	bus := eventbus.New[events.Kind, events.Event](logger.NopLogger{})
	bus.Subscribe(events.Dispatched, func(events.Event) error {
		mu.Lock()
		res.Dispatched++
		mu.Unlock()
		return nil
	})
	bus.Subscribe(events.DispatchFailed, func(e events.Event) error {
		if e.Final && e.Reason == events.ReasonMaxRetries {
			mu.Lock()
			res.Dropped++
			mu.Unlock()
		}
		return nil
	})

	var policy priority.Policy = priority.FIFO{}
	if len(sc.Weights) > 0 {
		policy = priority.NewWeighted(weights)
	}
	disp := &scripted{Fleet: fleet, ids: fails}
	cfg := dispatch.Config{MakeRoomThreshold: sc.MakeRoomThreshold, MaxRetries: sc.MaxRetries}
	cfg.SetDefaults()
	mgr := queue.NewManager(reg, policy, bus, logger.NopLogger{}, queue.Options{MaxRetries: cfg.MaxRetries})
	sched, err := dispatch.NewScheduler(cfg, mgr, reg, disp, bus, logger.NopLogger{})
	if err != nil {
		return Result{}, err
	}
	defer sched.Close(context.Background())

	if err := mgr.Sync(ctx); err != nil {
		return Result{}, err
	}
	for _, c := range sc.Clients {
		if _, err := mgr.Enqueue(ctx, c.ToModel(), c.Destination); err != nil {
			return Result{}, fmt.Errorf("enqueue %s: %w", c.ID, err)
		}
	}
	for _, dest := range sc.Paused {
		if err := mgr.SetPaused(ctx, dest, true); err != nil {
			return Result{}, err
		}
	}

	for range sc.Ticks {
		sched.Tick(ctx)
		if err := settle(ctx, mgr); err != nil {
			return Result{}, err
		}
	}

	for _, s := range sc.Servers {
		for _, id := range fleet.Connected(s) {
			res.Servers[s] = append(res.Servers[s], string(id))
		}
		entries, err := mgr.Entries(s)
		if err != nil {
			return Result{}, err
		}
		for _, e := range entries {
			res.Waiting[s] = append(res.Waiting[s], string(e.Client.ID))
		}
	}
	res.Evicted = int(disp.evicted.Load())
	return res, nil
}

// settle waits until no queue has an attempt in flight.
func settle(ctx context.Context, mgr *queue.Manager) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		busy := slices.ContainsFunc(mgr.Queues(), (*queue.ServerQueue).InFlight)
		if !busy {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("attempts still in flight after 2s")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// RunScenario plays sc and checks its expectations.
func RunScenario(t *testing.T, sc *Scenario) {
	t.Helper()
	res, err := Run(context.Background(), sc)
	require.NoError(t, err)

	exp := sc.Expected
	assert.Equal(t, exp.Dispatched, res.Dispatched, "dispatched")
	assert.Equal(t, exp.Dropped, res.Dropped, "dropped")
	assert.Equal(t, exp.Evicted, res.Evicted, "evicted")
	for server, want := range exp.Servers {
		assert.ElementsMatch(t, want, res.Servers[server], "clients on %s", server)
	}
	for dest, want := range exp.Waiting {
		if len(want) == 0 {
			assert.Empty(t, res.Waiting[dest], "line of %s", dest)
			continue
		}
		assert.Equal(t, want, res.Waiting[dest], "line of %s", dest)
	}
}
