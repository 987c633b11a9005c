package metrics

import (
	"context"

	"github.com/kilianp07/serverqueue/core/events"
	coremetrics "github.com/kilianp07/serverqueue/core/metrics"
	"github.com/kilianp07/serverqueue/infra/logger"
)

// EventTap is the asynchronous side of the event bus.
type EventTap interface {
	Tap(buffer int) <-chan events.Event
	Untap(<-chan events.Event)
}

// StartEventCollector taps the event bus and records every event in sink.
// Slow sinks never block publishers: events are dropped when the buffer
// is full. It stops when the context is canceled or the bus is closed.
func StartEventCollector(ctx context.Context, bus EventTap, sink coremetrics.MetricsSink, buffer int) <-chan struct{} {
	done := make(chan struct{})
	if bus == nil || sink == nil {
		close(done)
		return done
	}
	log := logger.New("metrics-collector")
	tap := bus.Tap(buffer)
	lengths, _ := sink.(coremetrics.QueueLengthRecorder)
	go func() {
		defer close(done)
		defer bus.Untap(tap)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-tap:
				if !ok {
					return
				}
				if err := sink.RecordQueueEvent(coremetrics.FromEvent(ev)); err != nil {
					log.Warnf("record %s event: %v", ev.Kind, err)
				}
				if lengths != nil && ev.Destination != "" && ev.Reason != events.ReasonMakeRoomFailed {
					if err := lengths.RecordQueueLength(ev.Destination, ev.Length, ev.Time); err != nil {
						log.Warnf("record queue length: %v", err)
					}
				}
			}
		}
	}()
	return done
}
