package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilianp07/serverqueue/core/events"
	"github.com/kilianp07/serverqueue/core/logger"
	"github.com/kilianp07/serverqueue/core/model"
	"github.com/kilianp07/serverqueue/core/priority"
)

// DefaultMaxRetries is used when Options.MaxRetries is not positive.
const DefaultMaxRetries = 5

// retiredRetries bounds how often Enqueue and SetPaused look the queue up
// again after it was retired by Sync.
const retiredRetries = 3

var errRetired = errors.New("queue retired")

// DestinationLister lists the destinations known to the server registry.
type DestinationLister interface {
	Destinations(ctx context.Context) ([]string, error)
}

// Options tunes the Manager.
type Options struct {
	// AllowJoinPaused lets clients join a paused queue.
	AllowJoinPaused bool
	// MaxRetries is the number of failed attempts after which an entry is
	// dropped.
	MaxRetries int
	// Routes drives OnConnect.
	Routes Routes
	Now    func() time.Time
}

// EnqueueResult reports where a client landed.
type EnqueueResult struct {
	Position int `json:"position"`
	Length   int `json:"length"`
}

// LeaveResult lists the destinations a client left.
type LeaveResult struct {
	Destinations []string `json:"destinations"`
}

// Outcome is the result of completing a dispatch attempt.
type Outcome int

const (
	OutcomeDispatched Outcome = iota
	OutcomeRetried
	OutcomeDropped
	// OutcomeCancelled is a failed attempt for a client that left or was
	// kicked while it was in flight.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDispatched:
		return "dispatched"
	case OutcomeRetried:
		return "retried"
	case OutcomeDropped:
		return "dropped"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Manager owns every destination queue and routes client requests to them.
type Manager struct {
	reg    DestinationLister
	policy priority.Policy
	bus    events.Publisher
	log    logger.Logger
	opts   Options

	mu     sync.RWMutex
	queues map[string]*ServerQueue
	order  []string

	seq atomic.Uint64
}

// NewManager creates a Manager. A nil policy selects FIFO and a nil bus
// drops events.
func NewManager(reg DestinationLister, policy priority.Policy, bus events.Publisher, log logger.Logger, opts Options) *Manager {
	if policy == nil {
		policy = priority.FIFO{}
	}
	if bus == nil {
		bus = events.NopPublisher{}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		reg:    reg,
		policy: policy,
		bus:    bus,
		log:    logger.OrNop(log),
		opts:   opts,
		queues: make(map[string]*ServerQueue),
	}
}

// MaxRetries returns the effective retry limit.
func (m *Manager) MaxRetries() int { return m.opts.MaxRetries }

func (m *Manager) publish(e events.Event) {
	if e.Time.IsZero() {
		e.Time = m.opts.Now()
	}
	m.bus.Publish(e)
}

func (m *Manager) lookup(dest string) *ServerQueue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[dest]
}

// queueFor returns the queue of dest, creating it when the registry knows
// the destination.
func (m *Manager) queueFor(ctx context.Context, dest string) (*ServerQueue, error) {
	if q := m.lookup(dest); q != nil {
		return q, nil
	}
	if m.reg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
	}
	names, err := m.reg.Destinations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	if !slices.Contains(names, dest) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[dest]; ok {
		return q, nil
	}
	q := newServerQueue(dest, m.policy)
	m.queues[dest] = q
	m.order = append(m.order, dest)
	m.log.Debugf("queue created for %s", dest)
	return q, nil
}

// Enqueue adds the client to the queue of dest.
func (m *Manager) Enqueue(ctx context.Context, c model.Client, dest string) (EnqueueResult, error) {
	q, err := m.queueFor(ctx, dest)
	if err != nil {
		return EnqueueResult{}, err
	}
	if c.Server == dest {
		return EnqueueResult{}, fmt.Errorf("%w: %s", ErrAlreadyConnected, dest)
	}
	e := &Entry{
		Client:      c,
		Destination: dest,
		Enqueued:    m.opts.Now(),
		weight:      m.policy.Weight(c),
	}
	for range retiredRetries {
		res, err := m.insert(q, e)
		if !errors.Is(err, errRetired) {
			return res, err
		}
		if q, err = m.queueFor(ctx, dest); err != nil {
			return EnqueueResult{}, err
		}
	}
	return EnqueueResult{}, fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
}

// insert places e in q and publishes Enqueued. It returns errRetired when
// Sync dropped q after the caller looked it up.
func (m *Manager) insert(q *ServerQueue, e *Entry) (EnqueueResult, error) {
	id, dest := e.Client.ID, e.Destination
	q.mu.Lock()
	if q.retired {
		q.mu.Unlock()
		return EnqueueResult{}, errRetired
	}
	if q.containsLocked(id) {
		q.mu.Unlock()
		return EnqueueResult{}, fmt.Errorf("%w: %s in %s", ErrAlreadyQueued, id, dest)
	}
	if q.paused && !m.opts.AllowJoinPaused {
		q.mu.Unlock()
		return EnqueueResult{}, fmt.Errorf("%w: %s", ErrDestinationPaused, dest)
	}
	e.seq = m.seq.Add(1)
	idx := q.insertLocked(e)
	res := EnqueueResult{Position: idx + 1, Length: len(q.entries)}
	q.mu.Unlock()

	m.publish(events.Event{
		Kind:        events.Enqueued,
		Client:      id,
		Destination: dest,
		Position:    res.Position,
		Length:      res.Length,
		Time:        e.Enqueued,
	})
	return res, nil
}

func kindFor(reason events.Reason) events.Kind {
	if reason == events.ReasonLeft {
		return events.Left
	}
	return events.Kicked
}

// remove takes one client out of q and publishes the matching event.
func (m *Manager) remove(q *ServerQueue, id model.ClientID, reason events.Reason) bool {
	q.mu.Lock()
	pos := 0
	if i := q.indexLocked(id); i >= 0 {
		pos = i + 1
	}
	ok := q.removeLocked(id, reason)
	length := len(q.entries)
	q.mu.Unlock()
	if !ok {
		return false
	}
	m.publish(events.Event{
		Kind:        kindFor(reason),
		Client:      id,
		Destination: q.name,
		Position:    pos,
		Length:      length,
		Reason:      reason,
	})
	return true
}

// Leave removes the client from the queue of dest at its own request.
func (m *Manager) Leave(id model.ClientID, dest string) (LeaveResult, error) {
	q := m.lookup(dest)
	if q == nil || !m.remove(q, id, events.ReasonLeft) {
		return LeaveResult{}, fmt.Errorf("%w: %s in %s", ErrNotQueued, id, dest)
	}
	return LeaveResult{Destinations: []string{dest}}, nil
}

// LeaveAll removes the client from every queue it is in.
func (m *Manager) LeaveAll(id model.ClientID) (LeaveResult, error) {
	var res LeaveResult
	for _, q := range m.Queues() {
		if m.remove(q, id, events.ReasonLeft) {
			res.Destinations = append(res.Destinations, q.name)
		}
	}
	if len(res.Destinations) == 0 {
		return res, fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	return res, nil
}

// Kick forcibly removes the client from the queue of dest. It returns the
// number of removed entries.
func (m *Manager) Kick(id model.ClientID, dest string) int {
	q := m.lookup(dest)
	if q == nil || !m.remove(q, id, events.ReasonKicked) {
		return 0
	}
	return 1
}

// KickAll forcibly removes the client from every queue.
func (m *Manager) KickAll(id model.ClientID) int {
	n := 0
	for _, q := range m.Queues() {
		if m.remove(q, id, events.ReasonKicked) {
			n++
		}
	}
	return n
}

// KickDestination empties the queue of dest.
func (m *Manager) KickDestination(dest string) int {
	q := m.lookup(dest)
	if q == nil {
		return 0
	}
	return m.clear(q, events.ReasonKicked)
}

func (m *Manager) clear(q *ServerQueue, reason events.Reason) int {
	q.mu.Lock()
	ids := q.clearLocked(reason)
	q.mu.Unlock()
	for _, id := range ids {
		m.publish(events.Event{
			Kind:        events.Kicked,
			Client:      id,
			Destination: q.name,
			Reason:      reason,
		})
	}
	return len(ids)
}

// PositionOf returns the 1-based position of the client and the queue
// length. A client whose dispatch is in flight is at position 0.
func (m *Manager) PositionOf(id model.ClientID, dest string) (int, int, error) {
	q := m.lookup(dest)
	if q == nil {
		return 0, 0, fmt.Errorf("%w: %s in %s", ErrNotQueued, id, dest)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(id); i >= 0 {
		return i + 1, len(q.entries), nil
	}
	if q.containsLocked(id) {
		return 0, len(q.entries), nil
	}
	return 0, 0, fmt.Errorf("%w: %s in %s", ErrNotQueued, id, dest)
}

// QueuesOf lists the destinations the client is queued for, in registry
// order.
func (m *Manager) QueuesOf(id model.ClientID) []string {
	var out []string
	for _, q := range m.Queues() {
		q.mu.Lock()
		ok := q.containsLocked(id)
		q.mu.Unlock()
		if ok {
			out = append(out, q.name)
		}
	}
	return out
}

// SetPaused pauses or resumes dispatching for dest. Events are only
// published when the state changes.
func (m *Manager) SetPaused(ctx context.Context, dest string, paused bool) error {
	for range retiredRetries {
		q, err := m.queueFor(ctx, dest)
		if err != nil {
			return err
		}
		q.mu.Lock()
		if q.retired {
			q.mu.Unlock()
			continue
		}
		changed := q.paused != paused
		q.paused = paused
		length := len(q.entries)
		q.mu.Unlock()
		if !changed {
			return nil
		}
		kind := events.QueueUnpaused
		if paused {
			kind = events.QueuePaused
		}
		m.log.Infof("queue %s %s", dest, kind)
		m.publish(events.Event{Kind: kind, Destination: dest, Length: length})
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
}

// Paused reports whether dest is paused.
func (m *Manager) Paused(dest string) (bool, error) {
	q := m.lookup(dest)
	if q == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
	}
	return q.Paused(), nil
}

// Entries returns the current contents of the queue of dest.
func (m *Manager) Entries(dest string) ([]EntryView, error) {
	q := m.lookup(dest)
	if q == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
	}
	return q.Entries(), nil
}

// Destinations returns the known queue names in registry order.
func (m *Manager) Destinations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// Queues returns the queues in registry order.
func (m *Manager) Queues() []*ServerQueue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ServerQueue, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.queues[name])
	}
	return out
}

// RefreshPriority re-evaluates the weight of the client in every queue and
// re-sorts them. It returns the number of queues in which the client moved
// up; each move publishes one PriorityIncreased event.
func (m *Manager) RefreshPriority(id model.ClientID) int {
	moved := 0
	for _, q := range m.Queues() {
		if m.refreshIn(q, id) {
			moved++
		}
	}
	return moved
}

func (m *Manager) refreshIn(q *ServerQueue, id model.ClientID) bool {
	q.mu.Lock()
	var client model.Client
	found := false
	if i := q.indexLocked(id); i >= 0 {
		client, found = q.entries[i].Client, true
	} else if q.inflight != nil && q.inflight.Client.ID == id {
		client, found = q.inflight.Client, true
	}
	q.mu.Unlock()
	if !found {
		return false
	}

	w := m.policy.Weight(client)

	q.mu.Lock()
	if q.inflight != nil && q.inflight.Client.ID == id {
		q.inflight.weight = w
	}
	i := q.indexLocked(id)
	if i < 0 || q.entries[i].weight == w {
		q.mu.Unlock()
		return false
	}
	e := q.removeAtLocked(i)
	e.weight = w
	idx := q.insertLocked(e)
	length := len(q.entries)
	q.mu.Unlock()

	if idx >= i {
		return false
	}
	m.publish(events.Event{
		Kind:        events.PriorityIncreased,
		Client:      id,
		Destination: q.name,
		Position:    idx + 1,
		Length:      length,
	})
	return true
}

// Sync aligns the queues with the registry. New destinations get an empty
// queue; queues of destinations that disappeared are cleared and every
// evicted client is reported as kicked.
func (m *Manager) Sync(ctx context.Context) error {
	if m.reg == nil {
		return nil
	}
	names, err := m.reg.Destinations(ctx)
	if err != nil {
		return fmt.Errorf("list destinations: %w", err)
	}
	keep := make(map[string]struct{}, len(names))
	order := make([]string, 0, len(names))
	for _, n := range names {
		if _, dup := keep[n]; dup {
			continue
		}
		keep[n] = struct{}{}
		order = append(order, n)
	}

	m.mu.Lock()
	var gone []*ServerQueue
	for name, q := range m.queues {
		if _, ok := keep[name]; !ok {
			q.mu.Lock()
			q.retired = true
			q.mu.Unlock()
			gone = append(gone, q)
			delete(m.queues, name)
		}
	}
	for _, n := range order {
		if _, ok := m.queues[n]; !ok {
			m.queues[n] = newServerQueue(n, m.policy)
		}
	}
	m.order = order
	m.mu.Unlock()

	sort.Slice(gone, func(i, j int) bool { return gone[i].name < gone[j].name })
	for _, q := range gone {
		n := m.clear(q, events.ReasonDestinationRemoved)
		m.log.Warnf("destination %s removed, %d clients evicted", q.name, n)
	}
	return nil
}

// Requeue puts a popped entry back untouched, as if it had never been
// popped, and returns its 1-based position. Entries whose client left in
// the meantime are discarded and 0 is returned.
func (m *Manager) Requeue(e *Entry) int {
	q := e.owner
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight == e {
		q.inflight = nil
	}
	if e.removed != "" {
		return 0
	}
	return q.insertLocked(e) + 1
}

// Complete records the result of a dispatch attempt for a popped entry.
// A nil err is a success. Failures are retried at the entry's priority
// position until the retry limit is reached.
func (m *Manager) Complete(e *Entry, err error) Outcome {
	q := e.owner
	now := m.opts.Now()
	ev := events.Event{
		Client:      e.Client.ID,
		Destination: e.Destination,
		Time:        now,
	}
	var out Outcome

	q.mu.Lock()
	if q.inflight == e {
		q.inflight = nil
	}
	left := e.removed
	ev.AlreadyLeft = left != ""
	switch {
	case err == nil:
		q.lastDispatch = now
		out = OutcomeDispatched
		ev.Kind = events.Dispatched
		ev.Attempt = e.Retries
		ev.Waited = now.Sub(e.Enqueued)
	case left != "":
		e.Retries++
		out = OutcomeCancelled
		ev.Kind = events.DispatchFailed
		ev.Attempt = e.Retries
		ev.Final = true
		ev.Reason = left
		ev.Err = &DispatchError{Client: string(e.Client.ID), Destination: e.Destination, Attempt: e.Retries, Err: err}
	default:
		e.Retries++
		ev.Kind = events.DispatchFailed
		ev.Attempt = e.Retries
		if e.Retries >= m.opts.MaxRetries {
			out = OutcomeDropped
			ev.Final = true
			ev.Reason = events.ReasonMaxRetries
			ev.Err = &DispatchError{Client: string(e.Client.ID), Destination: e.Destination, Attempt: e.Retries, Final: true, Err: err}
		} else {
			out = OutcomeRetried
			ev.Position = q.insertLocked(e) + 1
			ev.Reason = events.ReasonDispatchError
			ev.Err = &DispatchError{Client: string(e.Client.ID), Destination: e.Destination, Attempt: e.Retries, Err: err}
		}
	}
	ev.Length = len(q.entries)
	q.mu.Unlock()

	if out == OutcomeDropped {
		m.log.Warnf("dropping %s from %s after %d attempts: %v", e.Client.ID, e.Destination, e.Retries, err)
	}
	m.publish(ev)
	return out
}
