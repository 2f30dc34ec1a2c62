package flow

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine and stores. Callers match them
// with errors.Is.
var (
	// ErrWorkflowNotFound indicates the workflow id (or id+version pair)
	// does not exist in the store.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound indicates the execution id does not exist.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrScheduleNotFound indicates the schedule id does not exist.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrSignalNotFound indicates the signal id does not exist.
	ErrSignalNotFound = errors.New("signal not found")

	// ErrWorkflowInactive is returned when creating an execution for a
	// deactivated workflow.
	ErrWorkflowInactive = errors.New("workflow is not active")

	// ErrInvalidTransition is returned when a control operation (pause,
	// resume, terminate) is not legal from the execution's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoMatchingBranch is returned when a condition or switch node
	// produced a branch label with no matching outgoing edge and no
	// default edge exists.
	ErrNoMatchingBranch = errors.New("no matching branch")

	// ErrAmbiguousEdge is returned when next-node selection finds more
	// than one candidate unlabelled edge.
	ErrAmbiguousEdge = errors.New("ambiguous outgoing edge")

	// ErrLeaseNotHeld is returned by CommitStep when the caller's lease
	// on the execution has expired or was never granted. The step's
	// results must be discarded.
	ErrLeaseNotHeld = errors.New("lease not held")

	// ErrTerminalExecution is returned when a write would modify an
	// execution that already reached a terminal status.
	ErrTerminalExecution = errors.New("execution is terminal")

	// ErrStaleExecution is returned when a control-plane write carries
	// a snapshot the execution has advanced past, typically because a
	// worker committed a step between the caller's read and write. The
	// caller re-reads and retries.
	ErrStaleExecution = errors.New("execution changed since read")
)

// EngineError represents an error from engine operations with a stable
// machine-readable code alongside the human message.
//
// Error codes:
//   - "INVALID_GRAPH": workflow failed structural validation
//   - "INVALID_INPUT": malformed arguments to an engine operation
//   - "DISPATCH": no handler registered for a node kind
//   - "STORE": persistence failure surfaced from the store
//
// Example usage:
//
//	if err := engine.CreateWorkflow(ctx, wf); err != nil {
//	    var engineErr *flow.EngineError
//	    if errors.As(err, &engineErr) && engineErr.Code == "INVALID_GRAPH" {
//	        // reject the definition at the API boundary
//	    }
//	}
type EngineError struct {
	// Message describes what went wrong.
	Message string

	// Code is a machine-readable error category.
	Code string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// graphErrorf builds an INVALID_GRAPH EngineError.
func graphErrorf(format string, args ...any) *EngineError {
	return &EngineError{Code: "INVALID_GRAPH", Message: fmt.Sprintf(format, args...)}
}

// inputErrorf builds an INVALID_INPUT EngineError.
func inputErrorf(format string, args ...any) *EngineError {
	return &EngineError{Code: "INVALID_INPUT", Message: fmt.Sprintf(format, args...)}
}
