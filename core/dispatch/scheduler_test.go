package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/serverqueue/core/events"
	"github.com/kilianp07/serverqueue/core/model"
	"github.com/kilianp07/serverqueue/core/priority"
	"github.com/kilianp07/serverqueue/core/queue"
	"github.com/kilianp07/serverqueue/core/registry"
	"github.com/kilianp07/serverqueue/infra/logger"
	"github.com/kilianp07/serverqueue/internal/eventbus"
)

type attemptCall struct {
	client model.ClientID
	dest   string
	at     time.Time
}

// fakeDispatcher records attempts. fail decides the result of each
// attempt; block, when set, holds every attempt until it is closed.
type fakeDispatcher struct {
	mu        sync.Mutex
	calls     []attemptCall
	fail      func(model.Client) error
	block     chan struct{}
	started   chan model.ClientID
	evict     func(dest string) (model.ClientID, error)
	evicted   []string
	clock     *fakeClock
	onSuccess func(dest string)
}

func (d *fakeDispatcher) Attempt(ctx context.Context, c model.Client, dest string) error {
	var at time.Time
	if d.clock != nil {
		at = d.clock.Now()
	}
	d.mu.Lock()
	d.calls = append(d.calls, attemptCall{client: c.ID, dest: dest, at: at})
	d.mu.Unlock()
	if d.started != nil {
		d.started <- c.ID
	}
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.fail != nil {
		if err := d.fail(c); err != nil {
			return err
		}
	}
	if d.onSuccess != nil {
		d.onSuccess(dest)
	}
	return nil
}

func (d *fakeDispatcher) EvictOneLowPriority(_ context.Context, dest string) (model.ClientID, error) {
	d.mu.Lock()
	d.evicted = append(d.evicted, dest)
	d.mu.Unlock()
	if d.evict == nil {
		return "", nil
	}
	return d.evict(dest)
}

func (d *fakeDispatcher) attempts() []attemptCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]attemptCall(nil), d.calls...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu  sync.Mutex
	all []events.Event
}

func (l *eventLog) handle(e events.Event) error {
	l.mu.Lock()
	l.all = append(l.all, e)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) ofKind(k events.Kind) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.all {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) terminalPerClient() map[model.ClientID]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[model.ClientID]int{}
	for _, e := range l.all {
		if e.Terminal() {
			out[e.Client]++
		}
	}
	return out
}

type harness struct {
	sched *Scheduler
	mgr   *queue.Manager
	reg   *registry.Static
	disp  *fakeDispatcher
	log   *eventLog
	clock *fakeClock
}

func newHarness(t *testing.T, cfg Config, policy priority.Policy, dests ...string) *harness {
	t.Helper()
	ResetMetrics(nil)
	cfg.SetDefaults()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	bus := eventbus.New[events.Kind, events.Event](logger.NopLogger{})
	log := &eventLog{}
	for _, k := range events.Kinds {
		bus.Subscribe(k, log.handle)
	}
	reg := registry.NewStatic(1, dests...)
	mgr := queue.NewManager(reg, policy, bus, logger.NopLogger{}, queue.Options{
		AllowJoinPaused: cfg.AllowJoinPaused,
		MaxRetries:      cfg.MaxRetries,
		Now:             clock.Now,
	})
	disp := &fakeDispatcher{clock: clock}
	s, err := NewScheduler(cfg, mgr, reg, disp, bus, logger.NopLogger{})
	require.NoError(t, err)
	s.SetClock(clock.Now)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return &harness{sched: s, mgr: mgr, reg: reg, disp: disp, log: log, clock: clock}
}

// tick runs one pass and waits for the attempts it started.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.sched.Tick(context.Background())
	h.settle(t)
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sched.active.Load() == 0 }, time.Second, time.Millisecond)
}

func (h *harness) enqueue(t *testing.T, id, dest string) queue.EnqueueResult {
	t.Helper()
	res, err := h.mgr.Enqueue(context.Background(), model.Client{ID: model.ClientID(id)}, dest)
	require.NoError(t, err)
	return res
}

func (h *harness) position(t *testing.T, id, dest string) int {
	t.Helper()
	pos, _, err := h.mgr.PositionOf(model.ClientID(id), dest)
	require.NoError(t, err)
	return pos
}

func TestNewSchedulerValidates(t *testing.T) {
	_, err := NewScheduler(Config{}, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestPriorityScenario(t *testing.T) {
	src := priority.NewStaticSource(map[string]int{"C": 5}, 0)
	h := newHarness(t, Config{}, priority.NewWeighted(src), "lobby")
	h.disp.onSuccess = func(dest string) {
		_ = h.reg.Update(dest, func(s *model.Snapshot) { s.FreeSlots-- })
	}

	h.enqueue(t, "A", "lobby")
	h.enqueue(t, "B", "lobby")
	h.enqueue(t, "C", "lobby")
	assert.Equal(t, 1, h.position(t, "C", "lobby"))
	assert.Equal(t, 2, h.position(t, "A", "lobby"))
	assert.Equal(t, 3, h.position(t, "B", "lobby"))

	h.tick(t)
	calls := h.disp.attempts()
	require.Len(t, calls, 1)
	assert.Equal(t, model.ClientID("C"), calls[0].client)
	assert.Equal(t, 1, h.position(t, "A", "lobby"))
	assert.Equal(t, 2, h.position(t, "B", "lobby"))
	require.Len(t, h.log.ofKind(events.Dispatched), 1)

	// the only slot is taken now
	h.clock.Advance(time.Minute)
	h.tick(t)
	assert.Len(t, h.disp.attempts(), 1)
}

func TestPausedQueueNeverDispatches(t *testing.T) {
	h := newHarness(t, Config{}, nil, "lobby")
	ctx := context.Background()
	h.enqueue(t, "A", "lobby")
	require.NoError(t, h.mgr.SetPaused(ctx, "lobby", true))

	for i := 0; i < 10; i++ {
		h.clock.Advance(time.Second)
		h.tick(t)
	}
	assert.Empty(t, h.disp.attempts())
	assert.Equal(t, 1, h.position(t, "A", "lobby"), "pausing keeps entries")

	require.NoError(t, h.mgr.SetPaused(ctx, "lobby", false))
	h.tick(t)
	assert.Len(t, h.disp.attempts(), 1)
}

func TestPacingSpacesDispatches(t *testing.T) {
	const interval = 3 * time.Second
	h := newHarness(t, Config{PacingIntervalMS: int(interval / time.Millisecond)}, nil, "lobby")
	_ = h.reg.Set("lobby", model.Snapshot{Status: model.StatusOnline, FreeSlots: 100})
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		h.enqueue(t, id, "lobby")
	}

	for i := 0; i < 20; i++ {
		h.tick(t)
		h.clock.Advance(time.Second)
	}
	calls := h.disp.attempts()
	require.Len(t, calls, 5)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].at.Sub(calls[i-1].at), interval)
	}
}

func TestGlobalPacingAcrossDestinations(t *testing.T) {
	h := newHarness(t, Config{GlobalPacingIntervalMS: 2000}, nil, "lobby", "survival")
	h.enqueue(t, "A", "lobby")
	h.enqueue(t, "B", "survival")

	h.tick(t)
	assert.Len(t, h.disp.attempts(), 1)
	h.clock.Advance(time.Second)
	h.tick(t)
	assert.Len(t, h.disp.attempts(), 1)
	h.clock.Advance(time.Second)
	h.tick(t)
	assert.Len(t, h.disp.attempts(), 2)
}

func TestRetryExhaustion(t *testing.T) {
	refused := errors.New("refused")
	h := newHarness(t, Config{MaxRetries: 3}, nil, "lobby")
	h.disp.fail = func(model.Client) error { return refused }
	h.enqueue(t, "A", "lobby")

	for i := 0; i < 10; i++ {
		h.tick(t)
	}
	assert.Len(t, h.disp.attempts(), 3)

	failed := h.log.ofKind(events.DispatchFailed)
	require.Len(t, failed, 3)
	var final int
	for _, ev := range failed {
		if ev.Final {
			final++
			assert.ErrorIs(t, ev.Err, queue.ErrMaxRetriesExceeded)
			assert.ErrorIs(t, ev.Err, refused)
			assert.Equal(t, 3, ev.Attempt)
		}
	}
	assert.Equal(t, 1, final)
	assert.Empty(t, h.mgr.QueuesOf("A"))

	var de *queue.DispatchError
	require.ErrorAs(t, failed[0].Err, &de)
	assert.False(t, de.Final)
}

func TestRetryKeepsPriorityPosition(t *testing.T) {
	src := priority.NewStaticSource(map[string]int{"A": 1}, 0)
	h := newHarness(t, Config{}, priority.NewWeighted(src), "lobby")
	h.disp.fail = func(c model.Client) error {
		if c.ID == "A" {
			return errors.New("refused")
		}
		return nil
	}
	h.enqueue(t, "A", "lobby")
	h.enqueue(t, "B", "lobby")

	h.tick(t)
	failed := h.log.ofKind(events.DispatchFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Position)
	assert.Equal(t, 1, h.position(t, "A", "lobby"))
}

func TestKickAllWhileInFlight(t *testing.T) {
	h := newHarness(t, Config{}, nil, "lobby")
	h.disp.block = make(chan struct{})
	h.disp.started = make(chan model.ClientID, 1)
	for _, id := range []string{"A", "B", "C"} {
		h.enqueue(t, id, "lobby")
	}

	h.sched.Tick(context.Background())
	assert.Equal(t, model.ClientID("A"), <-h.disp.started)

	assert.Equal(t, 3, h.mgr.KickDestination("lobby"))
	h.sched.Tick(context.Background())
	assert.Len(t, h.disp.attempts(), 1, "no attempt while one is in flight")

	close(h.disp.block)
	h.settle(t)
	for i := 0; i < 3; i++ {
		h.tick(t)
	}

	assert.Len(t, h.disp.attempts(), 1)
	assert.Equal(t, map[model.ClientID]int{"A": 1, "B": 1, "C": 1}, h.log.terminalPerClient())
	dispatched := h.log.ofKind(events.Dispatched)
	require.Len(t, dispatched, 1)
	assert.True(t, dispatched[0].AlreadyLeft)
}

type flakyRegistry struct {
	*registry.Static
	err error
}

func (r flakyRegistry) Snapshot(context.Context, string) (model.Snapshot, error) {
	return model.Snapshot{}, r.err
}

func TestSnapshotErrorSkipsDestination(t *testing.T) {
	h := newHarness(t, Config{}, nil, "lobby")
	h.sched.reg = flakyRegistry{Static: h.reg, err: errors.New("timeout")}
	h.enqueue(t, "A", "lobby")

	h.tick(t)
	assert.Empty(t, h.disp.attempts())
	paused, err := h.mgr.Paused("lobby")
	require.NoError(t, err)
	assert.False(t, paused)
	assert.Equal(t, 1, h.position(t, "A", "lobby"))
	assert.Empty(t, h.log.ofKind(events.DispatchFailed))
}

func TestStatusGate(t *testing.T) {
	h := newHarness(t, Config{}, nil, "lobby")
	h.enqueue(t, "A", "lobby")

	for _, st := range []model.Status{model.StatusOffline, model.StatusRestarting, model.StatusPaused} {
		require.NoError(t, h.reg.Set("lobby", model.Snapshot{Status: st, FreeSlots: 5}))
		h.tick(t)
	}
	require.NoError(t, h.reg.Set("lobby", model.Snapshot{Status: model.StatusWhitelisted, FreeSlots: 5, Allowed: []model.ClientID{"B"}}))
	h.tick(t)
	assert.Empty(t, h.disp.attempts())

	require.NoError(t, h.reg.Set("lobby", model.Snapshot{Status: model.StatusRestricted, FreeSlots: 5, Allowed: []model.ClientID{"A"}}))
	h.tick(t)
	assert.Len(t, h.disp.attempts(), 1)
}

func TestFullDestinationWaits(t *testing.T) {
	h := newHarness(t, Config{}, nil, "lobby")
	require.NoError(t, h.reg.Set("lobby", model.Snapshot{Status: model.StatusFull}))
	h.enqueue(t, "A", "lobby")
	h.enqueue(t, "B", "lobby")
	h.tick(t)
	assert.Empty(t, h.disp.attempts())
	assert.Empty(t, h.disp.evicted, "make room disabled")
}

func TestMakeRoom(t *testing.T) {
	h := newHarness(t, Config{MakeRoomThreshold: 2}, nil, "lobby")
	require.NoError(t, h.reg.Set("lobby", model.Snapshot{Status: model.StatusFull}))
	h.disp.evict = func(string) (model.ClientID, error) { return "idler", nil }

	h.enqueue(t, "A", "lobby")
	h.tick(t)
	assert.Empty(t, h.disp.attempts(), "below threshold")

	h.enqueue(t, "B", "lobby")
	h.tick(t)
	calls := h.disp.attempts()
	require.Len(t, calls, 1)
	assert.Equal(t, model.ClientID("A"), calls[0].client)
	assert.Equal(t, []string{"lobby"}, h.disp.evicted)
}

func TestMakeRoomFailure(t *testing.T) {
	h := newHarness(t, Config{MakeRoomThreshold: 1}, nil, "lobby")
	require.NoError(t, h.reg.Set("lobby", model.Snapshot{Status: model.StatusFull}))
	h.enqueue(t, "A", "lobby")

	h.tick(t)
	assert.Empty(t, h.disp.attempts())
	failed := h.log.ofKind(events.DispatchFailed)
	require.Len(t, failed, 1)
	ev := failed[0]
	assert.ErrorIs(t, ev.Err, queue.ErrMakeRoomFailed)
	assert.Equal(t, events.ReasonMakeRoomFailed, ev.Reason)
	assert.False(t, ev.Final)
	assert.Equal(t, 1, ev.Position)

	entries, err := h.mgr.Entries("lobby")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].Retries, "make room failures do not consume retries")
}

func TestMakeRoomFailureReportsAttemptBeforeRequeue(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 5}, nil, "lobby")
	h.disp.fail = func(model.Client) error { return errors.New("refused") }
	h.enqueue(t, "A", "lobby")
	h.tick(t)

	q := h.mgr.Queues()[0]
	e, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, 1, e.Retries)

	// another worker picks the requeued entry up and fails it again
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if again, ok := q.Pop(); ok {
				h.mgr.Complete(again, errors.New("refused"))
				return
			}
			time.Sleep(time.Microsecond)
		}
	}()
	h.sched.makeRoomFailed(e, queue.ErrMakeRoomFailed)
	<-done

	var roomFailed []events.Event
	for _, ev := range h.log.ofKind(events.DispatchFailed) {
		if ev.Reason == events.ReasonMakeRoomFailed {
			roomFailed = append(roomFailed, ev)
		}
	}
	require.Len(t, roomFailed, 1)
	assert.Equal(t, 1, roomFailed[0].Attempt)
	assert.Equal(t, model.ClientID("A"), roomFailed[0].Client)
}

func TestWorkerPoolSaturation(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, nil, "lobby", "survival")
	h.disp.block = make(chan struct{})
	h.disp.started = make(chan model.ClientID, 2)
	h.enqueue(t, "A", "lobby")
	h.enqueue(t, "B", "survival")

	h.sched.Tick(context.Background())
	assert.Equal(t, model.ClientID("A"), <-h.disp.started)
	assert.Equal(t, 1, h.position(t, "B", "survival"), "head put back untouched")

	close(h.disp.block)
	h.settle(t)
	h.tick(t)
	assert.Len(t, h.disp.attempts(), 2)
}

func TestCloseWaitsForInFlight(t *testing.T) {
	h := newHarness(t, Config{}, nil, "lobby")
	h.disp.block = make(chan struct{})
	h.disp.started = make(chan model.ClientID, 1)
	h.enqueue(t, "A", "lobby")
	h.sched.Tick(context.Background())
	<-h.disp.started

	closed := make(chan error, 1)
	go func() { closed <- h.sched.Close(context.Background()) }()
	select {
	case <-closed:
		t.Fatal("close returned with an attempt in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(h.disp.block)
	require.NoError(t, <-closed)
	assert.Len(t, h.log.ofKind(events.Dispatched), 1)

	h.enqueue(t, "B", "lobby")
	h.sched.Tick(context.Background())
	assert.Len(t, h.disp.attempts(), 1, "closed scheduler starts nothing")
	assert.Equal(t, 1, h.position(t, "B", "lobby"))
}

func TestCloseDeadlineCancelsAttempts(t *testing.T) {
	h := newHarness(t, Config{}, nil, "lobby")
	h.disp.block = make(chan struct{})
	h.disp.started = make(chan model.ClientID, 1)
	h.enqueue(t, "A", "lobby")
	h.sched.Tick(context.Background())
	<-h.disp.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.sched.Close(ctx), context.DeadlineExceeded)
	failed := h.log.ofKind(events.DispatchFailed)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, context.Canceled)
}

func TestDestinationRemovedFromRegistry(t *testing.T) {
	h := newHarness(t, Config{}, nil, "lobby", "survival")
	require.NoError(t, h.reg.Set("survival", model.Snapshot{Status: model.StatusOffline}))
	h.enqueue(t, "A", "survival")
	h.reg.Remove("survival")

	h.tick(t)
	kicked := h.log.ofKind(events.Kicked)
	require.Len(t, kicked, 1)
	assert.Equal(t, events.ReasonDestinationRemoved, kicked[0].Reason)
	assert.Equal(t, []string{"lobby"}, h.mgr.Destinations())
}

func TestEstimatedWait(t *testing.T) {
	h := newHarness(t, Config{TickIntervalMS: 500, PacingIntervalMS: 2000}, nil, "lobby")
	require.NoError(t, h.reg.Set("lobby", model.Snapshot{Status: model.StatusOnline}))
	h.enqueue(t, "A", "lobby")
	h.enqueue(t, "B", "lobby")

	wait, err := h.sched.EstimatedWait("B", "lobby")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, wait)

	_, err = h.sched.EstimatedWait("Z", "lobby")
	assert.ErrorIs(t, err, queue.ErrNotQueued)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Config{TickIntervalMS: 5}, nil, "lobby")
	h.enqueue(t, "A", "lobby")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sched.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(h.disp.attempts()) == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
