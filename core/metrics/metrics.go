package metrics

import (
	"time"

	"github.com/kilianp07/serverqueue/core/events"
)

// QueueEvent is the metrics view of a queue lifecycle event.
type QueueEvent struct {
	Kind        string
	Client      string
	Destination string
	Position    int
	Length      int
	Attempt     int
	Final       bool
	Reason      string
	AlreadyLeft bool
	Waited      time.Duration
	Time        time.Time
}

// FromEvent converts a bus event.
func FromEvent(e events.Event) QueueEvent {
	return QueueEvent{
		Kind:        e.Kind.String(),
		Client:      string(e.Client),
		Destination: e.Destination,
		Position:    e.Position,
		Length:      e.Length,
		Attempt:     e.Attempt,
		Final:       e.Final,
		Reason:      string(e.Reason),
		AlreadyLeft: e.AlreadyLeft,
		Waited:      e.Waited,
		Time:        e.Time,
	}
}

// MetricsSink records queue events for observability purposes.
type MetricsSink interface {
	RecordQueueEvent(ev QueueEvent) error
}

// QueueLengthRecorder is implemented by sinks tracking queue lengths.
type QueueLengthRecorder interface {
	RecordQueueLength(destination string, length int, at time.Time) error
}

// NopSink implements MetricsSink with no-op methods.
type NopSink struct{}

func (NopSink) RecordQueueEvent(QueueEvent) error              { return nil }
func (NopSink) RecordQueueLength(string, int, time.Time) error { return nil }
