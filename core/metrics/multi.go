package metrics

import (
	"errors"
	"time"
)

// MultiSink fanouts queue events to multiple sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordQueueEvent forwards the event to all sinks. A failing sink does not
// stop the others; errors are joined.
func (m *MultiSink) RecordQueueEvent(ev QueueEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if err := s.RecordQueueEvent(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordQueueLength forwards lengths when supported by the sink.
func (m *MultiSink) RecordQueueLength(dest string, length int, at time.Time) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(QueueLengthRecorder); ok {
			if err := r.RecordQueueLength(dest, length, at); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
