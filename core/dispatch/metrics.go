package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueLength      *prometheus.GaugeVec
	dispatchAttempts *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec
	makeRoomTotal    *prometheus.CounterVec
	tickSkips        *prometheus.CounterVec
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.GaugeVec, *prometheus.CounterVec, *prometheus.HistogramVec, *prometheus.CounterVec, *prometheus.CounterVec) {
	length := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_length",
			Help: "Number of clients waiting per destination",
		},
		[]string{"destination"},
	)
	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Dispatch attempts by destination and outcome",
		},
		[]string{"destination", "outcome"},
	)
	lat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_latency_seconds",
			Help:    "Duration of dispatch attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"destination"},
	)
	room := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "make_room_total",
			Help: "Make-room evictions by result",
		},
		[]string{"result"},
	)
	skips := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_skips_total",
			Help: "Destinations skipped during a tick by reason",
		},
		[]string{"reason"},
	)
	return length, attempts, lat, room, skips
}

func init() {
	queueLength, dispatchAttempts, dispatchLatency, makeRoomTotal, tickSkips = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers scheduler metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(queueLength, dispatchAttempts, dispatchLatency, makeRoomTotal, tickSkips)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	queueLength, dispatchAttempts, dispatchLatency, makeRoomTotal, tickSkips = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
