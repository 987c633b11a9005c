// Package priority decides where a client lands in a destination queue.
//
// A Policy computes a client's weight once at enqueue time and returns the
// insertion index for a candidate entry. Higher weights are served first;
// equal weights keep their enqueue order. The FIFO policy gives everybody
// the same weight so the queue degrades to plain first come, first served.
package priority
