// Package infra holds the adapters the queue engine runs against: the MQTT
// dispatcher and status registry, the Prometheus and InfluxDB event sinks,
// and the zerolog logger. Adapters implement interfaces owned by core and
// never import app or cmd.
package infra
