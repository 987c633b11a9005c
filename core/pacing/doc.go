// Package pacing spaces out successful dispatches so a destination that
// suddenly gains capacity is not flooded by its whole queue at once.
package pacing
