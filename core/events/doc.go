// Package events defines the queue lifecycle events published on the bus.
//
// The set of kinds is closed:
//   - Enqueued: a client joined a destination queue
//   - Left: a client left a queue on its own
//   - Kicked: an administrator or the registry removed a client
//   - Dispatched: a client was moved to its destination
//   - DispatchFailed: a dispatch attempt failed (retryable or final)
//   - QueuePaused / QueueUnpaused: admission control toggled
//   - PriorityIncreased: a client moved up after a weight change
package events
