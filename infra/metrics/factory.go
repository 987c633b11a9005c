package metrics

import (
	"fmt"

	"github.com/kilianp07/serverqueue/core/factory"
	coremetrics "github.com/kilianp07/serverqueue/core/metrics"
)

// influxConf is the conf block of an "influx" sink entry.
type influxConf struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

func init() {
	builtins := map[string]factory.Factory[coremetrics.MetricsSink]{
		"nop":        newNop,
		"prometheus": newPrometheus,
		"influx":     newInflux,
	}
	for name, f := range builtins {
		if err := coremetrics.RegisterMetricsSink(name, f); err != nil {
			panic(err)
		}
	}
}

func newNop(map[string]any) (coremetrics.MetricsSink, error) {
	return coremetrics.NopSink{}, nil
}

func newPrometheus(map[string]any) (coremetrics.MetricsSink, error) {
	return NewPromSink()
}

// newInflux falls back to a NopSink when the server is unhealthy so the
// queue keeps running without event export.
func newInflux(conf map[string]any) (coremetrics.MetricsSink, error) {
	var c influxConf
	if err := factory.Decode(conf, &c); err != nil {
		return nil, err
	}
	if c.URL == "" || c.Bucket == "" {
		return nil, fmt.Errorf("influx sink needs url and bucket")
	}
	return NewInfluxSinkWithFallback(c.URL, c.Token, c.Org, c.Bucket), nil
}
