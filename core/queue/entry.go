package queue

import (
	"time"

	"github.com/kilianp07/serverqueue/core/events"
	"github.com/kilianp07/serverqueue/core/model"
)

// State is the lifecycle state of an entry.
type State int

const (
	// Queued entries are visible in the waiting line.
	Queued State = iota
	// Dispatching entries were popped for an attempt that is still running.
	Dispatching
)

func (s State) String() string {
	if s == Dispatching {
		return "dispatching"
	}
	return "queued"
}

// Entry is one client's place in one destination queue.
type Entry struct {
	Client      model.Client
	Destination string
	Enqueued    time.Time
	Retries     int

	weight int
	seq    uint64
	state  State
	// removed holds the reason when the client left or was kicked while
	// the entry was in flight.
	removed events.Reason
	owner   *ServerQueue
}

// Weight returns the priority weight assigned by the policy.
func (e *Entry) Weight() int { return e.weight }

// Seq returns the enqueue order of the entry.
func (e *Entry) Seq() uint64 { return e.seq }

// State returns the current lifecycle state.
func (e *Entry) State() State { return e.state }

// EntryView is a read-only copy of an entry for admin queries.
type EntryView struct {
	Client   model.Client `json:"client"`
	Position int          `json:"position"`
	Weight   int          `json:"weight"`
	Retries  int          `json:"retries"`
	Enqueued time.Time    `json:"enqueued"`
	State    string       `json:"state"`
}

func (e *Entry) view(pos int) EntryView {
	return EntryView{
		Client:   e.Client,
		Position: pos,
		Weight:   e.weight,
		Retries:  e.Retries,
		Enqueued: e.Enqueued,
		State:    e.state.String(),
	}
}
