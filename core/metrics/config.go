package metrics

import "github.com/kilianp07/serverqueue/core/factory"

// Config defines settings for metrics sinks.
type Config struct {
	Sinks []factory.ModuleConfig `json:"sinks" yaml:"sinks"`
	// PrometheusPort exposes /metrics when set.
	PrometheusPort string `json:"prometheus_port" yaml:"prometheus_port"`
	// Buffer is the size of the event tap feeding the sinks.
	Buffer int `json:"buffer" yaml:"buffer"`
}
