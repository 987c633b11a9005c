package queue

import (
	"errors"
	"fmt"
)

// Request-level errors. They are returned synchronously and never retried.
var (
	ErrAlreadyQueued      = errors.New("already queued")
	ErrAlreadyConnected   = errors.New("already connected to destination")
	ErrDestinationPaused  = errors.New("destination queue is paused")
	ErrUnknownDestination = errors.New("unknown destination")
	ErrNotQueued          = errors.New("not queued")
)

// Tick-level errors. They only surface through events.
var (
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrMakeRoomFailed     = errors.New("make room failed")
)

// DispatchError describes a failed dispatch attempt for one entry.
type DispatchError struct {
	Client      string
	Destination string
	Attempt     int
	Final       bool
	Err         error
}

func (e *DispatchError) Error() string {
	kind := "retryable"
	if e.Final {
		kind = "final"
	}
	return fmt.Sprintf("dispatch %s to %s failed (%s, attempt %d): %v", e.Client, e.Destination, kind, e.Attempt, e.Err)
}

// Unwrap exposes the underlying cause and, for final failures,
// ErrMaxRetriesExceeded.
func (e *DispatchError) Unwrap() []error {
	if e.Final {
		return []error{ErrMaxRetriesExceeded, e.Err}
	}
	return []error{e.Err}
}
