package pacing

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DefaultWindow is the number of dispatches kept per destination.
const DefaultWindow = 20

// Estimator predicts how long a queued client still has to wait from the
// observed spacing of recent successful dispatches.
type Estimator struct {
	window int
	floor  time.Duration

	mu      sync.Mutex
	history map[string][]time.Time
}

// NewEstimator keeps the last window dispatches per destination. floor is
// the smallest interval ever assumed between two dispatches, usually the
// larger of the tick and the pacing interval.
func NewEstimator(window int, floor time.Duration) *Estimator {
	if window < 2 {
		window = DefaultWindow
	}
	return &Estimator{window: window, floor: floor, history: make(map[string][]time.Time)}
}

// Record adds a successful dispatch to dest.
func (e *Estimator) Record(dest string, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := append(e.history[dest], ts)
	if len(h) > e.window {
		h = h[len(h)-e.window:]
	}
	e.history[dest] = h
}

// MeanInterval returns the mean spacing of recorded dispatches to dest, or
// zero with fewer than two samples.
func (e *Estimator) MeanInterval(dest string) time.Duration {
	e.mu.Lock()
	h := e.history[dest]
	if len(h) < 2 {
		e.mu.Unlock()
		return 0
	}
	gaps := make([]float64, 0, len(h)-1)
	for i := 1; i < len(h); i++ {
		gaps = append(gaps, float64(h[i].Sub(h[i-1])))
	}
	e.mu.Unlock()
	return time.Duration(stat.Mean(gaps, nil))
}

// EstimateWait returns the expected wait of the client at the 1-based
// position in the queue of dest.
func (e *Estimator) EstimateWait(dest string, position int) time.Duration {
	if position <= 0 {
		return 0
	}
	return time.Duration(position) * max(e.MeanInterval(dest), e.floor)
}

// Forget drops the history of dest.
func (e *Estimator) Forget(dest string) {
	e.mu.Lock()
	delete(e.history, dest)
	e.mu.Unlock()
}
