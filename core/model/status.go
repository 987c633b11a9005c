package model

import (
	"fmt"
	"strings"
	"time"
)

// Status describes what a destination currently accepts.
type Status int

const (
	StatusOnline Status = iota
	StatusOffline
	StatusRestarting
	StatusFull
	StatusRestricted
	StatusWhitelisted
	StatusPaused
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusRestarting:
		return "restarting"
	case StatusFull:
		return "full"
	case StatusRestricted:
		return "restricted"
	case StatusWhitelisted:
		return "whitelisted"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// ParseStatus converts a wire name back into a Status.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "":
		return StatusOnline, nil
	case "offline":
		return StatusOffline, nil
	case "restarting":
		return StatusRestarting, nil
	case "full":
		return StatusFull, nil
	case "restricted":
		return StatusRestricted, nil
	case "whitelisted":
		return StatusWhitelisted, nil
	case "paused":
		return StatusPaused, nil
	default:
		return StatusOffline, fmt.Errorf("unknown status %q", s)
	}
}

// Snapshot is the capacity view of a destination at one point in time.
// It is owned by the server registry and must be re-read on every tick.
type Snapshot struct {
	Status    Status
	FreeSlots int
	// Allowed lists the clients that may still join a restricted or
	// whitelisted destination.
	Allowed []ClientID
	ReadAt  time.Time
}

// Admits reports whether the client may be sent given the snapshot status.
// Capacity is not considered.
func (s Snapshot) Admits(id ClientID) bool {
	switch s.Status {
	case StatusOnline, StatusFull:
		return true
	case StatusRestricted, StatusWhitelisted:
		for _, a := range s.Allowed {
			if a == id {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// IsFull reports whether the destination has no free slot left.
func (s Snapshot) IsFull() bool {
	return s.Status == StatusFull || s.FreeSlots <= 0
}

// Waiting reports whether the destination is unreachable and queued clients
// should simply wait.
func (s Snapshot) Waiting() bool {
	return s.Status == StatusOffline || s.Status == StatusRestarting || s.Status == StatusPaused
}
