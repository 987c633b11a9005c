package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coremetrics "github.com/kilianp07/serverqueue/core/metrics"
)

func TestPromSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	require.NoError(t, sink.RecordQueueEvent(coremetrics.QueueEvent{Kind: "enqueued", Destination: "lobby"}))
	require.NoError(t, sink.RecordQueueEvent(coremetrics.QueueEvent{Kind: "enqueued", Destination: "lobby"}))
	require.NoError(t, sink.RecordQueueEvent(coremetrics.QueueEvent{Kind: "dispatched", Destination: "lobby", Waited: 2 * time.Second}))
	require.NoError(t, sink.RecordQueueLength("lobby", 1, time.Now()))

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.events.WithLabelValues("enqueued", "lobby", "", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.length.WithLabelValues("lobby")))
	assert.Equal(t, 1, testutil.CollectAndCount(sink.wait))
}

func TestPromSinkReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	second, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	require.NoError(t, first.RecordQueueEvent(coremetrics.QueueEvent{Kind: "left", Destination: "lobby", Reason: "left"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(second.events.WithLabelValues("left", "lobby", "left", "false")))
}
