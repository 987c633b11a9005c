package metrics

import (
	"fmt"

	"github.com/kilianp07/serverqueue/core/factory"
)

var sinkRegistry = factory.NewRegistry[MetricsSink]()

// RegisterMetricsSink makes a sink type available to the sinks list of the
// metrics configuration.
func RegisterMetricsSink(name string, f factory.Factory[MetricsSink]) error {
	return sinkRegistry.Register(name, f)
}

// SinkTypes lists the registered sink types.
func SinkTypes() []string { return sinkRegistry.Names() }

// NewMetricsSink builds every configured sink. No entry yields a NopSink and
// several entries are fanned out through a MultiSink. Sinks built before a
// failing entry are closed.
func NewMetricsSink(cfgs []factory.ModuleConfig) (MetricsSink, error) {
	built := make([]MetricsSink, 0, len(cfgs))
	for i, c := range cfgs {
		s, err := sinkRegistry.Create(c)
		if err != nil {
			closeSinks(built)
			return nil, fmt.Errorf("metrics sink #%d (%s): %w", i, c.Type, err)
		}
		built = append(built, s)
	}
	switch len(built) {
	case 0:
		return NopSink{}, nil
	case 1:
		return built[0], nil
	default:
		return NewMultiSink(built...), nil
	}
}

func closeSinks(list []MetricsSink) {
	for _, s := range list {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
