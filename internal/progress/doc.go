// Package progress provides the event primitives, hub, and emitter interfaces
// the validation scheduler uses to report run progress. Advance events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// Prometheus metrics, the run repository, or the run report archive. Terminal
// events are never dropped.
package progress
