package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kilianp07/serverqueue/core/events"
	"github.com/kilianp07/serverqueue/core/logger"
	"github.com/kilianp07/serverqueue/core/model"
	"github.com/kilianp07/serverqueue/core/pacing"
	"github.com/kilianp07/serverqueue/core/queue"
)

// Dispatcher moves a client's connection to a destination.
type Dispatcher interface {
	// Attempt sends the client to dest. A nil error means the client is
	// now connected there.
	Attempt(ctx context.Context, c model.Client, dest string) error
	// EvictOneLowPriority disconnects one client already on dest to free a
	// slot. The selection rule belongs to the implementation. An empty id
	// with a nil error means nobody could be evicted.
	EvictOneLowPriority(ctx context.Context, dest string) (model.ClientID, error)
}

// Registry lists destinations and reports their live capacity.
type Registry interface {
	Destinations(ctx context.Context) ([]string, error)
	Snapshot(ctx context.Context, dest string) (model.Snapshot, error)
}

// Scheduler advances every destination queue once per tick.
type Scheduler struct {
	cfg  Config
	mgr  *queue.Manager
	reg  Registry
	disp Dispatcher
	gate *pacing.Gate
	est  *pacing.Estimator
	bus  events.Publisher
	log  logger.Logger
	now  func() time.Time

	sem    *semaphore.Weighted
	active atomic.Int64

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	attempts context.Context
	abort    context.CancelFunc
}

// NewScheduler validates cfg and prepares a scheduler over mgr.
func NewScheduler(cfg Config, mgr *queue.Manager, reg Registry, disp Dispatcher, bus events.Publisher, log logger.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}
	if mgr == nil || reg == nil || disp == nil {
		return nil, fmt.Errorf("scheduler needs a queue manager, a registry and a dispatcher")
	}
	if bus == nil {
		bus = events.NopPublisher{}
	}
	floor := max(cfg.TickInterval(), cfg.PacingInterval(), cfg.GlobalPacingInterval())
	attempts, abort := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		mgr:      mgr,
		reg:      reg,
		disp:     disp,
		gate:     pacing.NewGate(cfg.PacingInterval(), cfg.GlobalPacingInterval()),
		est:      pacing.NewEstimator(pacing.DefaultWindow, floor),
		bus:      bus,
		log:      logger.OrNop(log),
		now:      time.Now,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		attempts: attempts,
		abort:    abort,
	}, nil
}

// SetClock replaces the clock used for pacing decisions.
func (s *Scheduler) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Gate exposes the pacing state.
func (s *Scheduler) Gate() *pacing.Gate { return s.gate }

// Run ticks until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.TickInterval())
	defer t.Stop()
	s.log.Infof("scheduler started, tick every %s", s.cfg.TickInterval())
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick makes one pass over the destinations in registry order. Each
// destination gets at most one dispatch attempt. Attempts run on the
// worker pool; Tick does not wait for them.
func (s *Scheduler) Tick(ctx context.Context) {
	s.sync(ctx)
	for _, q := range s.mgr.Queues() {
		if ctx.Err() != nil {
			return
		}
		s.tickQueue(ctx, q)
	}
	for _, q := range s.mgr.Queues() {
		queueLength.WithLabelValues(q.Name()).Set(float64(q.Len()))
	}
}

// sync aligns the queues with the registry and forgets pacing state of
// destinations that went away. Registry errors keep the current queues.
func (s *Scheduler) sync(ctx context.Context) {
	before := s.mgr.Destinations()
	if err := s.mgr.Sync(ctx); err != nil {
		s.log.Warnf("registry sync failed: %v", err)
		return
	}
	after := s.mgr.Destinations()
	for _, d := range before {
		if !slices.Contains(after, d) {
			s.gate.Forget(d)
			s.est.Forget(d)
			queueLength.DeleteLabelValues(d)
		}
	}
}

func (s *Scheduler) tickQueue(ctx context.Context, q *queue.ServerQueue) {
	dest := q.Name()
	if q.Paused() || q.InFlight() || q.Len() == 0 {
		return
	}
	if s.cfg.GlobalPacingIntervalMS > 0 && s.active.Load() > 0 {
		return
	}
	snap, err := s.reg.Snapshot(ctx, dest)
	if err != nil {
		tickSkips.WithLabelValues("unavailable").Inc()
		s.log.Debugf("destination %s unavailable this tick: %v", dest, err)
		return
	}
	if snap.Waiting() {
		return
	}
	head, ok := q.Peek()
	if !ok || !snap.Admits(head.ID) {
		return
	}
	makeRoom := false
	if snap.IsFull() {
		if s.cfg.MakeRoomThreshold <= 0 || q.Len() < s.cfg.MakeRoomThreshold {
			tickSkips.WithLabelValues("full").Inc()
			return
		}
		makeRoom = true
	}
	if !s.gate.Allow(dest, s.now()) {
		return
	}

	e, ok := q.Pop()
	if !ok {
		return
	}
	if !s.sem.TryAcquire(1) {
		tickSkips.WithLabelValues("saturated").Inc()
		s.mgr.Requeue(e)
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.sem.Release(1)
		s.mgr.Requeue(e)
		return
	}
	s.wg.Add(1)
	s.active.Add(1)
	s.mu.Unlock()
	go s.attempt(e, makeRoom)
}

func (s *Scheduler) attempt(e *queue.Entry, makeRoom bool) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer s.active.Add(-1)

	ctx, cancel := context.WithTimeout(s.attempts, s.cfg.AttemptTimeout())
	defer cancel()

	dest := e.Destination
	if makeRoom {
		if err := s.makeRoom(ctx, dest, e.Client.ID); err != nil {
			s.makeRoomFailed(e, err)
			return
		}
	}

	start := time.Now()
	err := s.disp.Attempt(ctx, e.Client, dest)
	dispatchLatency.WithLabelValues(dest).Observe(time.Since(start).Seconds())
	if err == nil {
		now := s.now()
		s.gate.RecordDispatch(dest, now)
		s.est.Record(dest, now)
	}
	out := s.mgr.Complete(e, err)
	dispatchAttempts.WithLabelValues(dest, out.String()).Inc()
	if err != nil {
		s.log.Debugf("dispatch %s to %s: %s: %v", e.Client.ID, dest, out, err)
	} else {
		s.log.Debugw("client dispatched", map[string]any{
			"client":      string(e.Client.ID),
			"destination": dest,
			"retries":     e.Retries,
		})
	}
}

// makeRoom evicts one connected client from dest.
func (s *Scheduler) makeRoom(ctx context.Context, dest string, forClient model.ClientID) error {
	evicted, err := s.disp.EvictOneLowPriority(ctx, dest)
	if err != nil {
		makeRoomTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %w", queue.ErrMakeRoomFailed, err)
	}
	if evicted == "" {
		makeRoomTotal.WithLabelValues("none").Inc()
		return fmt.Errorf("%w: no evictable client on %s", queue.ErrMakeRoomFailed, dest)
	}
	makeRoomTotal.WithLabelValues("evicted").Inc()
	s.log.Infof("evicted %s from %s to make room for %s", evicted, dest, forClient)
	return nil
}

// makeRoomFailed puts the entry back without consuming a retry.
// Retries is read before Requeue hands the entry back to other ticks.
func (s *Scheduler) makeRoomFailed(e *queue.Entry, err error) {
	attempt := e.Retries
	client, dest := e.Client.ID, e.Destination
	pos := s.mgr.Requeue(e)
	s.log.Warnf("make room on %s failed: %v", dest, err)
	s.bus.Publish(events.Event{
		Kind:        events.DispatchFailed,
		Client:      client,
		Destination: dest,
		Position:    pos,
		Attempt:     attempt,
		Reason:      events.ReasonMakeRoomFailed,
		Err:         &queue.DispatchError{Client: string(client), Destination: dest, Attempt: attempt, Err: err},
		AlreadyLeft: pos == 0,
		Time:        s.now(),
	})
}

// EstimatedWait predicts how long the client still waits for dest.
func (s *Scheduler) EstimatedWait(id model.ClientID, dest string) (time.Duration, error) {
	pos, _, err := s.mgr.PositionOf(id, dest)
	if err != nil {
		return 0, err
	}
	return s.est.EstimateWait(dest, pos), nil
}

// Close stops new attempts and waits for in-flight ones. When ctx expires
// first, running attempts are canceled.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer s.abort()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.abort()
		<-done
		return ctx.Err()
	}
}
