// Package audit keeps a durable trail of queue outcomes: dispatches,
// failures and removals.
package audit

import (
	"context"
	"time"

	"github.com/kilianp07/serverqueue/core/events"
)

// Record captures one queue outcome.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	Event       string    `json:"event"`
	Client      string    `json:"client"`
	Destination string    `json:"destination"`
	Attempt     int       `json:"attempt,omitempty"`
	Final       bool      `json:"final,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	AlreadyLeft bool      `json:"already_left,omitempty"`
}

// FromEvent converts a bus event to a Record.
func FromEvent(e events.Event) Record {
	r := Record{
		Timestamp:   e.Time,
		Event:       e.Kind.String(),
		Client:      string(e.Client),
		Destination: e.Destination,
		Attempt:     e.Attempt,
		Final:       e.Final,
		Reason:      string(e.Reason),
		AlreadyLeft: e.AlreadyLeft,
	}
	if e.Err != nil {
		r.Error = e.Err.Error()
	}
	return r
}

// Query defines filters for retrieving records. Zero fields match
// everything.
type Query struct {
	Start       time.Time
	End         time.Time
	Client      string
	Destination string
	Event       string
}

func (q Query) matches(r Record) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.Client != "" && r.Client != q.Client {
		return false
	}
	if q.Destination != "" && r.Destination != q.Destination {
		return false
	}
	return q.Event == "" || r.Event == q.Event
}

// Store persists Records and supports querying.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}
