// Package emit carries observability events out of the execution core.
//
// The engine, worker, signal layer, and scheduler all report progress
// through the Emitter seam rather than logging directly, so backends
// (text logs, JSON lines, OpenTelemetry spans, in-memory buffers) are
// swappable without touching execution code.
package emit

// Emitter receives and processes observability events from execution progress.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry, Jaeger, Zipkin
//   - Analytics and dashboards
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down execution steps
//   - Thread-safe: May be called concurrently from multiple worker goroutines
//   - Resilient: Handle backend failures gracefully (never crash the worker)
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Implementations should not block execution progress. If the backend
	// is unavailable or slow, events should be buffered, dropped with
	// internal error logging, or sent asynchronously.
	//
	// Emit should not panic. Errors should be handled internally.
	Emit(event Event)
}
