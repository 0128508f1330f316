// Package progress provides the event primitives and non-blocking hub the
// scanner uses to report session and URL lifecycle milestones. Events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// Prometheus metrics or structured logs.
package progress
