package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/serverqueue/core/metrics"
)

// PromSink records queue events in Prometheus metrics.
type PromSink struct {
	events *prometheus.CounterVec
	wait   *prometheus.HistogramVec
	length *prometheus.GaugeVec
}

// NewPromSink registers queue metrics on the default Prometheus registerer.
// The Prometheus server should be started separately using cfg.PrometheusPort.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_events_total",
		Help: "Total number of queue lifecycle events",
	}, []string{"kind", "destination", "reason", "final"})
	wait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_wait_seconds",
		Help:    "Time spent in queue before a successful dispatch",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"destination"})
	length := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_reported_length",
		Help: "Queue length reported by the last event of a destination",
	}, []string{"destination"})

	var err error
	if events, err = register(reg, events); err != nil {
		return nil, err
	}
	if wait, err = register(reg, wait); err != nil {
		return nil, err
	}
	if length, err = register(reg, length); err != nil {
		return nil, err
	}
	return &PromSink{events: events, wait: wait, length: length}, nil
}

// register reuses an already registered collector of the same shape.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordQueueEvent increments the event counter and observes wait times.
func (s *PromSink) RecordQueueEvent(ev coremetrics.QueueEvent) error {
	s.events.WithLabelValues(ev.Kind, ev.Destination, ev.Reason, strconv.FormatBool(ev.Final)).Inc()
	if ev.Kind == "dispatched" && ev.Waited > 0 {
		s.wait.WithLabelValues(ev.Destination).Observe(ev.Waited.Seconds())
	}
	return nil
}

// RecordQueueLength sets the length gauge of a destination.
func (s *PromSink) RecordQueueLength(dest string, length int, _ time.Time) error {
	s.length.WithLabelValues(dest).Set(float64(length))
	return nil
}
