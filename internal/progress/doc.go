// Package progress provides the event primitives, non-blocking hub, and emitter
// interface the harvest pipeline uses to report run, batch, round, and item
// progress. Events are batched on a background goroutine and fanned out to
// pluggable sinks such as structured logs, Prometheus collectors, or the
// in-memory tally served by the status API.
package progress
