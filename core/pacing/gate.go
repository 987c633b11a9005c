package pacing

import (
	"sync"
	"time"
)

// Gate enforces a minimum interval between successful dispatches, per
// destination and across all destinations. A zero interval disables that
// check. Only RecordDispatch mutates it.
type Gate struct {
	perDest time.Duration
	global  time.Duration

	mu         sync.Mutex
	last       map[string]time.Time
	lastGlobal time.Time
}

// NewGate creates a Gate with the given intervals.
func NewGate(perDestination, global time.Duration) *Gate {
	return &Gate{perDest: perDestination, global: global, last: make(map[string]time.Time)}
}

// Interval returns the larger of the two configured intervals.
func (g *Gate) Interval() time.Duration {
	return max(g.perDest, g.global)
}

// Allow reports whether a dispatch to dest may happen at now.
func (g *Gate) Allow(dest string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.global > 0 && !g.lastGlobal.IsZero() && now.Sub(g.lastGlobal) < g.global {
		return false
	}
	if last, ok := g.last[dest]; ok && g.perDest > 0 && now.Sub(last) < g.perDest {
		return false
	}
	return true
}

// RecordDispatch stores ts as the last successful dispatch to dest.
// Timestamps older than the stored one are ignored.
func (g *Gate) RecordDispatch(dest string, ts time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ts.After(g.last[dest]) {
		g.last[dest] = ts
	}
	if ts.After(g.lastGlobal) {
		g.lastGlobal = ts
	}
}

// Last returns the last successful dispatch to dest.
func (g *Gate) Last(dest string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts, ok := g.last[dest]
	return ts, ok
}

// Forget drops the state of dest, used when it leaves the registry.
func (g *Gate) Forget(dest string) {
	g.mu.Lock()
	delete(g.last, dest)
	g.mu.Unlock()
}
