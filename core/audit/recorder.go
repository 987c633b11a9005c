package audit

import (
	"context"
	"time"

	"github.com/kilianp07/serverqueue/core/events"
	"github.com/kilianp07/serverqueue/core/logger"
)

// recordedKinds are the outcomes worth keeping.
var recordedKinds = []events.Kind{events.Dispatched, events.DispatchFailed, events.Left, events.Kicked}

// Recorder appends queue outcomes published on the bus to a Store.
type Recorder struct {
	store   Store
	log     logger.Logger
	timeout time.Duration
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store, log logger.Logger) *Recorder {
	return &Recorder{store: store, log: logger.OrNop(log), timeout: 2 * time.Second}
}

// Attach subscribes the recorder to the outcome events of sub.
func (r *Recorder) Attach(sub events.Subscriber) {
	for _, k := range recordedKinds {
		sub.Subscribe(k, r.Handle)
	}
	r.log.Debugf("audit recorder attached for %v", recordedKinds)
}

// Handle stores one event. Errors are returned to the bus, which logs them.
func (r *Recorder) Handle(e events.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.store.Append(ctx, FromEvent(e))
}
