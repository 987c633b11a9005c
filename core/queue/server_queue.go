package queue

import (
	"sync"
	"time"

	"github.com/kilianp07/serverqueue/core/events"
	"github.com/kilianp07/serverqueue/core/model"
	"github.com/kilianp07/serverqueue/core/priority"
)

// ServerQueue is the waiting line of one destination. Every mutation runs
// under its own mutex; different destinations never contend.
type ServerQueue struct {
	name   string
	policy priority.Policy

	mu           sync.Mutex
	entries      []*Entry
	inflight     *Entry
	paused       bool
	retired      bool
	lastDispatch time.Time
}

func newServerQueue(name string, policy priority.Policy) *ServerQueue {
	return &ServerQueue{name: name, policy: policy}
}

// Name returns the destination name.
func (q *ServerQueue) Name() string { return q.name }

// Len returns the number of entries waiting in line. An entry being
// dispatched is not counted.
func (q *ServerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Paused reports whether dispatching is suspended.
func (q *ServerQueue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// InFlight reports whether a dispatch attempt is running for this queue.
func (q *ServerQueue) InFlight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight != nil
}

// LastDispatch returns the time of the last successful dispatch.
func (q *ServerQueue) LastDispatch() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastDispatch
}

// Peek returns the head client without removing it.
func (q *ServerQueue) Peek() (model.Client, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return model.Client{}, false
	}
	return q.entries[0].Client, true
}

// Pop moves the head entry to the Dispatching state. It refuses while the
// queue is paused or another attempt is still in flight, so the same entry
// can never be picked twice.
func (q *ServerQueue) Pop() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || q.inflight != nil || len(q.entries) == 0 {
		return nil, false
	}
	e := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	e.state = Dispatching
	q.inflight = e
	return e, true
}

// Entries returns a copy of the line, the in-flight entry first.
func (q *ServerQueue) Entries() []EntryView {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]EntryView, 0, len(q.entries)+1)
	if q.inflight != nil && q.inflight.removed == "" {
		out = append(out, q.inflight.view(0))
	}
	for i, e := range q.entries {
		out = append(out, e.view(i+1))
	}
	return out
}

// insertLocked places e where the policy says and returns its index.
func (q *ServerQueue) insertLocked(e *Entry) int {
	ranked := make([]priority.Ranked, len(q.entries))
	for i, x := range q.entries {
		ranked[i] = x
	}
	idx := q.policy.InsertionIndex(ranked, e)
	if idx < 0 {
		idx = 0
	}
	if idx > len(q.entries) {
		idx = len(q.entries)
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
	e.state = Queued
	e.owner = q
	return idx
}

func (q *ServerQueue) indexLocked(id model.ClientID) int {
	for i, e := range q.entries {
		if e.Client.ID == id {
			return i
		}
	}
	return -1
}

func (q *ServerQueue) removeAtLocked(i int) *Entry {
	e := q.entries[i]
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
	return e
}

// containsLocked reports whether the client is waiting or being sent.
func (q *ServerQueue) containsLocked(id model.ClientID) bool {
	if q.inflight != nil && q.inflight.Client.ID == id && q.inflight.removed == "" {
		return true
	}
	return q.indexLocked(id) >= 0
}

// removeLocked takes the client out of the line. An in-flight entry is only
// flagged: its attempt still completes.
func (q *ServerQueue) removeLocked(id model.ClientID, reason events.Reason) bool {
	if i := q.indexLocked(id); i >= 0 {
		q.removeAtLocked(i)
		return true
	}
	if q.inflight != nil && q.inflight.Client.ID == id && q.inflight.removed == "" {
		q.inflight.removed = reason
		return true
	}
	return false
}

// clearLocked empties the line and flags the in-flight entry. It returns
// every removed client.
func (q *ServerQueue) clearLocked(reason events.Reason) []model.ClientID {
	ids := make([]model.ClientID, 0, len(q.entries)+1)
	if q.inflight != nil && q.inflight.removed == "" {
		q.inflight.removed = reason
		ids = append(ids, q.inflight.Client.ID)
	}
	for _, e := range q.entries {
		ids = append(ids, e.Client.ID)
	}
	q.entries = nil
	return ids
}
