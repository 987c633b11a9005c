// Package dispatch drives the destination queues: on every tick it checks
// capacity and pacing for each destination and hands the head client to a
// Dispatcher on a bounded worker pool.
package dispatch
