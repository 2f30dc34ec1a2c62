package emit

// Event represents an observability event emitted during execution progress.
//
// Events provide detailed insight into durable execution behavior:
//   - Node step start/complete
//   - Status transitions (pause, resume, terminate)
//   - Retry scheduling and signal delivery
//   - Schedule fires and lease activity
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in time-series databases
//   - Trigger alerts
type Event struct {
	// ExecutionID identifies the execution that emitted this event.
	ExecutionID string

	// Step is the sequential step number in the execution (1-indexed).
	// Zero for execution-level events (created, completed, terminated).
	Step int

	// NodeID identifies which node emitted this event.
	// Empty string for execution-level events.
	NodeID string

	// Msg is a short machine-stable description of the event,
	// e.g. "step_start", "step_end", "retry_scheduled", "signal_delivered".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Step duration in milliseconds
	//   - "error": Error details
	//   - "status": Execution status after the event
	//   - "retry_count": Attempt counter for retried nodes
	//   - "signal_type": Delivered signal type
	Meta map[string]interface{}
}
