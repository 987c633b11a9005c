package metrics

// Package metrics defines the sinks receiving queue events for
// observability. Sinks like PromSink and InfluxSink live in infra/metrics
// and register themselves in the sink factory; MultiSink combines several
// of them. The factory helpers return a MultiSink automatically when
// multiple sinks are configured.
