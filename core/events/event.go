package events

import (
	"time"

	"github.com/kilianp07/serverqueue/core/model"
	"github.com/kilianp07/serverqueue/internal/eventbus"
)

// Kind identifies a lifecycle event.
type Kind uint8

const (
	Enqueued Kind = iota + 1
	Left
	Kicked
	Dispatched
	DispatchFailed
	QueuePaused
	QueueUnpaused
	PriorityIncreased
)

// Kinds lists every event kind in declaration order.
var Kinds = []Kind{Enqueued, Left, Kicked, Dispatched, DispatchFailed, QueuePaused, QueueUnpaused, PriorityIncreased}

func (k Kind) String() string {
	switch k {
	case Enqueued:
		return "enqueued"
	case Left:
		return "left"
	case Kicked:
		return "kicked"
	case Dispatched:
		return "dispatched"
	case DispatchFailed:
		return "dispatch_failed"
	case QueuePaused:
		return "queue_paused"
	case QueueUnpaused:
		return "queue_unpaused"
	case PriorityIncreased:
		return "priority_increased"
	default:
		return "unknown"
	}
}

// Reason qualifies removals and failures.
type Reason string

const (
	ReasonLeft               Reason = "left"
	ReasonKicked             Reason = "kicked"
	ReasonDestinationRemoved Reason = "destination_removed"
	ReasonMaxRetries         Reason = "max_retries_exceeded"
	ReasonMakeRoomFailed     Reason = "make_room_failed"
	ReasonDispatchError      Reason = "dispatch_error"
)

// Event is a single lifecycle notification. Fields that do not apply to a
// kind are left zero.
type Event struct {
	Kind        Kind
	Client      model.ClientID
	Destination string
	// Position and Length describe the queue right after the mutation.
	Position int
	Length   int
	// Attempt is the number of failed dispatch attempts so far.
	Attempt int
	// Final marks a DispatchFailed after which the entry is gone.
	Final  bool
	Reason Reason
	Err    error
	// AlreadyLeft is set on the outcome of a dispatch that was in flight
	// when the client left or was kicked. Listeners should not notify the
	// client a second time.
	AlreadyLeft bool
	// Waited is the time spent in the queue, set on Dispatched.
	Waited time.Duration
	Time   time.Time
}

// EventKind implements eventbus.Event.
func (e Event) EventKind() Kind { return e.Kind }

// Terminal reports whether the event ends the life of a queue entry.
func (e Event) Terminal() bool {
	if e.AlreadyLeft {
		return false
	}
	switch e.Kind {
	case Left, Kicked, Dispatched:
		return true
	case DispatchFailed:
		return e.Final
	default:
		return false
	}
}

// Handler reacts to an event. Returned errors are logged by the bus.
type Handler = eventbus.Handler[Event]

// Bus is the event bus specialised for queue events.
type Bus = eventbus.Bus[Kind, Event]

// Publisher is the publishing side of the bus.
type Publisher interface {
	Publish(Event)
}

// Subscriber is the registration side of the bus.
type Subscriber interface {
	Subscribe(Kind, Handler)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
