package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/serverqueue/core/metrics"
	"github.com/kilianp07/serverqueue/infra/logger"
)

// InfluxSink writes queue events to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordQueueEvent writes the event as a queue_event point.
func (s *InfluxSink) RecordQueueEvent(ev coremetrics.QueueEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("queue_event").
		AddTag("kind", ev.Kind).
		AddTag("destination", ev.Destination)
	if ev.Reason != "" {
		p = p.AddTag("reason", ev.Reason)
	}
	p = p.AddTag("final", strconv.FormatBool(ev.Final)).
		AddField("client", ev.Client).
		AddField("position", ev.Position).
		AddField("length", ev.Length).
		AddField("attempt", ev.Attempt).
		AddField("already_left", ev.AlreadyLeft).
		SetTime(ev.Time)
	if ev.Waited > 0 {
		p = p.AddField("wait_ms", ev.Waited.Milliseconds())
	}
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordQueueLength writes a queue_length point.
func (s *InfluxSink) RecordQueueLength(dest string, length int, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("queue_length").
		AddTag("destination", dest).
		AddField("length", length).
		SetTime(at)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the HTTP client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
