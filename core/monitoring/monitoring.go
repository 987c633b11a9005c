// Package monitoring forwards failures that need human attention to an error
// tracker.
package monitoring

import (
	"fmt"
	"strconv"
	"time"

	"github.com/kilianp07/serverqueue/core/events"
	"github.com/kilianp07/serverqueue/core/logger"
)

// Monitor defines methods used for error reporting.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	Recover()
	Flush(timeout time.Duration)
}

type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string) {}
func (NopMonitor) Recover()                                  {}
func (NopMonitor) Flush(time.Duration)                       {}

// Reporter sends final dispatch failures and bus handler errors to a Monitor.
type Reporter struct {
	mon Monitor
	log logger.Logger
}

// NewReporter creates a Reporter. A nil mon reports nothing.
func NewReporter(mon Monitor, log logger.Logger) *Reporter {
	if mon == nil {
		mon = NopMonitor{}
	}
	return &Reporter{mon: mon, log: logger.OrNop(log)}
}

// Attach subscribes the reporter to DispatchFailed events of sub.
func (r *Reporter) Attach(sub events.Subscriber) {
	sub.Subscribe(events.DispatchFailed, r.Handle)
}

// Handle captures e when it ends the entry. Retryable failures are ignored.
func (r *Reporter) Handle(e events.Event) error {
	if e.Kind != events.DispatchFailed || !e.Final || e.AlreadyLeft {
		return nil
	}
	err := fmt.Errorf("dispatch of %s to %s failed: %s", e.Client, e.Destination, e.Reason)
	if e.Err != nil {
		err = fmt.Errorf("dispatch of %s to %s failed: %w", e.Client, e.Destination, e.Err)
	}
	r.mon.CaptureException(err, map[string]string{
		"client":      string(e.Client),
		"destination": e.Destination,
		"reason":      string(e.Reason),
		"attempt":     strconv.Itoa(e.Attempt),
	})
	r.log.Debugf("reported final failure of %s to %s", e.Client, e.Destination)
	return nil
}

// HandlerError captures an error returned by a bus handler.
func (r *Reporter) HandlerError(kind events.Kind, err error) {
	r.mon.CaptureException(fmt.Errorf("%v handler: %w", kind, err), map[string]string{
		"event": kind.String(),
	})
}
