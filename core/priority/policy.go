package priority

import (
	"sort"

	"github.com/kilianp07/serverqueue/core/model"
)

// Ranked is the view of a queue entry a Policy needs to order it.
type Ranked interface {
	Weight() int
	// Seq is the monotonic enqueue order of the entry.
	Seq() uint64
}

// Policy orders clients inside a destination queue.
type Policy interface {
	// Weight returns the priority weight of the client. Higher goes first.
	Weight(c model.Client) int
	// InsertionIndex returns where candidate must be inserted in entries,
	// which are already in policy order.
	InsertionIndex(entries []Ranked, candidate Ranked) int
}

// ranksBelow reports whether e must be served after candidate: it has a
// strictly lower weight, or the same weight but joined later.
func ranksBelow(e, candidate Ranked) bool {
	if e.Weight() != candidate.Weight() {
		return e.Weight() < candidate.Weight()
	}
	return e.Seq() > candidate.Seq()
}

// stableIndex finds the first entry ranking below candidate.
func stableIndex(entries []Ranked, candidate Ranked) int {
	return sort.Search(len(entries), func(i int) bool {
		return ranksBelow(entries[i], candidate)
	})
}

// FIFO serves clients strictly in enqueue order.
type FIFO struct{}

func (FIFO) Weight(model.Client) int { return 0 }

// InsertionIndex places new entries at the end of the line. A re-queued
// entry goes back in front of everyone who joined after it.
func (FIFO) InsertionIndex(entries []Ranked, candidate Ranked) int {
	return sort.Search(len(entries), func(i int) bool {
		return entries[i].Seq() > candidate.Seq()
	})
}

// Weighted orders clients by the weight returned by a PrivilegeSource.
type Weighted struct {
	Source PrivilegeSource
}

// NewWeighted returns a Weighted policy backed by src.
func NewWeighted(src PrivilegeSource) *Weighted {
	return &Weighted{Source: src}
}

func (w *Weighted) Weight(c model.Client) int {
	if w == nil || w.Source == nil {
		return 0
	}
	return w.Source.Priority(c)
}

// InsertionIndex places the candidate ahead of every strictly lower weight
// and behind every equal or higher weight already queued.
func (w *Weighted) InsertionIndex(entries []Ranked, candidate Ranked) int {
	return stableIndex(entries, candidate)
}
