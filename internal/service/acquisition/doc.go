// Package acquisition runs an experiment.
//
// A Controller owns two goroutines. The scheduler loop fires the poll, plot,
// label and health check actions and runs every state change. The device
// worker performs the blocking instrument exchanges in order and posts their
// results back to the loop, so a slow exchange delays only the next poll.
//
// Error policy: a communication failure during a poll stops all timers and
// discards the session until Connect attaches a new one. A timed out health
// check is retried on its next tick. Validation and file errors are reported
// and acquisition continues.
package acquisition
