package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coremetrics "github.com/kilianp07/serverqueue/core/metrics"
)

func newInfluxServer(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, strings.TrimSpace(string(data)))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), bodies...)
	}
}

func TestInfluxSink_RecordQueueEvent(t *testing.T) {
	srv, bodies := newInfluxServer(t)
	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	defer sink.Close()

	now := time.Now()
	ev := coremetrics.QueueEvent{
		Kind:        "dispatched",
		Client:      "c1",
		Destination: "lobby",
		Length:      2,
		Waited:      1500 * time.Millisecond,
		Time:        now,
	}
	require.NoError(t, sink.RecordQueueEvent(ev))

	p := write.NewPointWithMeasurement("queue_event").
		AddTag("kind", "dispatched").
		AddTag("destination", "lobby").
		AddTag("final", "false").
		AddField("client", "c1").
		AddField("position", 0).
		AddField("length", 2).
		AddField("attempt", 0).
		AddField("already_left", false).
		SetTime(now).
		AddField("wait_ms", int64(1500))
	expected := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	require.Len(t, bodies(), 1)
	assert.Equal(t, expected, bodies()[0])
}

func TestInfluxSink_RecordQueueLength(t *testing.T) {
	srv, bodies := newInfluxServer(t)
	sink := NewInfluxSink(srv.URL+"/api/v2/write", "token", "org", "bucket")
	defer sink.Close()

	now := time.Now()
	require.NoError(t, sink.RecordQueueLength("lobby", 7, now))
	p := write.NewPointWithMeasurement("queue_length").
		AddTag("destination", "lobby").
		AddField("length", 7).
		SetTime(now)
	require.Len(t, bodies(), 1)
	assert.Equal(t, strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond)), bodies()[0])
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(srv.URL+"/api/v2/write", "tok", "org", "bucket")
	_, isInflux := sink.(*InfluxSink)
	assert.False(t, isInflux, "expected NopSink on failing health check")
	assert.True(t, called, "health endpoint not called")
}
