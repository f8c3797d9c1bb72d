// Package sinks implements concrete progress consumers: structured logging,
// Prometheus metrics, the run repository, an in-memory run tracker, run report
// archiving and run notifications. Each sink satisfies progress.Sink and is
// safe for repeated Consume/Close cycles.
package sinks
