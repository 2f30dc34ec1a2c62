package flow

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle status of an execution.
type ExecutionStatus string

// Execution statuses. The set is closed; waiting states beyond signals
// (sub-workflow joins) reuse waiting_for_signal with a child link.
const (
	StatusRunning          ExecutionStatus = "running"
	StatusPaused           ExecutionStatus = "paused"
	StatusWaitingForSignal ExecutionStatus = "waiting_for_signal"
	StatusCompleted        ExecutionStatus = "completed"
	StatusFailed           ExecutionStatus = "failed"
	StatusTerminated       ExecutionStatus = "terminated"
)

// NodeStatus is the outcome of one node attempt.
type NodeStatus string

// Node attempt outcomes.
const (
	NodeSuccess NodeStatus = "success"
	NodeFailed  NodeStatus = "failed"
	NodeSkipped NodeStatus = "skipped"
)

// NodeExecutionResult records one attempt at one node. Results are
// append-only: a retried node accumulates one result per attempt and
// earlier entries are never rewritten.
type NodeExecutionResult struct {
	NodeID      string         `json:"node_id"`
	Status      NodeStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Permanent   bool           `json:"permanent,omitempty"`
	Branch      string         `json:"branch,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	DurationMS  int64          `json:"duration_ms"`
}

// ParallelGroup tracks one fan-out group inside an execution.
type ParallelGroup struct {
	ID       string   `json:"id"`
	Members  []string `json:"members"`
	WaitMode WaitMode `json:"wait_mode"`
	Required int      `json:"required,omitempty"`
	JoinNode string   `json:"join_node"`
	Done     bool     `json:"done"`
}

// LoopFrame tracks one active loop iteration.
type LoopFrame struct {
	StartNode string `json:"start_node"`
	Index     int    `json:"index"`
	Max       int    `json:"max"`
}

// SubWorkflowLink records a child execution started by a sub_workflow
// node.
type SubWorkflowLink struct {
	ChildID string `json:"child_id"`
	Wait    bool   `json:"wait"`
}

// ExecutionState is the durable progress record of an execution. It is
// persisted as an opaque versioned blob; everything a resumed worker
// needs to continue lives here.
type ExecutionState struct {
	// SchemaVersion is stamped by the store codec for lazy migration.
	SchemaVersion int `json:"schema_version"`

	// CurrentNodeID is the next node to execute. Empty before the first
	// step (entry node applies) and after the last node completed.
	CurrentNodeID string `json:"current_node_id,omitempty"`

	// CompletedNodeIDs is the ordered history of successfully completed
	// nodes. Loop bodies appear once per iteration.
	CompletedNodeIDs []string `json:"completed_node_ids,omitempty"`

	// NodeResults keeps the full attempt history per node, including
	// failed attempts that were later retried.
	NodeResults map[string][]NodeExecutionResult `json:"node_results,omitempty"`

	// ExecutionData accumulates trigger data, node outputs (under
	// "<node>_output"), delivered signal payloads (under
	// "signal_<type>") and parallel join results (under the group id).
	ExecutionData map[string]any `json:"execution_data,omitempty"`

	// TriggerData is the immutable copy of the data the execution was
	// created with, kept for replay.
	TriggerData map[string]any `json:"trigger_data,omitempty"`

	// Variables holds scoped user variables (scope -> key -> value).
	Variables map[string]map[string]any `json:"variables,omitempty"`

	// ParallelGroups tracks completed fan-out groups by group id.
	ParallelGroups map[string]*ParallelGroup `json:"parallel_groups,omitempty"`

	// LoopStack tracks active loops, innermost last.
	LoopStack []LoopFrame `json:"loop_stack,omitempty"`

	// SubWorkflows records child executions by the spawning node id.
	SubWorkflows map[string]SubWorkflowLink `json:"sub_workflows,omitempty"`

	// PendingFinally holds finally targets to run, LIFO, before the
	// execution completes.
	PendingFinally []string `json:"pending_finally,omitempty"`

	// WaitingSignalType is the signal type a parked execution expects.
	WaitingSignalType string `json:"waiting_signal_type,omitempty"`

	// WaitingChildID is the child execution a parked parent waits on.
	WaitingChildID string `json:"waiting_child_id,omitempty"`

	// Steps counts committed steps, for event ordering.
	Steps int `json:"steps"`

	// Deadline, when set, terminates the execution at the first step
	// boundary past it.
	Deadline *time.Time `json:"deadline,omitempty"`
}

// NewExecutionState builds the initial state for an execution created
// with the given trigger data.
func NewExecutionState(trigger map[string]any) *ExecutionState {
	data := make(map[string]any, len(trigger))
	orig := make(map[string]any, len(trigger))
	for k, v := range trigger {
		data[k] = v
		orig[k] = v
	}
	return &ExecutionState{
		NodeResults:   make(map[string][]NodeExecutionResult),
		ExecutionData: data,
		TriggerData:   orig,
	}
}

// Record appends a node attempt result. Successful attempts also extend
// the completed history and publish the output under "<node>_output".
func (s *ExecutionState) Record(res NodeExecutionResult) {
	if s.NodeResults == nil {
		s.NodeResults = make(map[string][]NodeExecutionResult)
	}
	s.NodeResults[res.NodeID] = append(s.NodeResults[res.NodeID], res)

	if res.Status != NodeSuccess {
		return
	}
	s.CompletedNodeIDs = append(s.CompletedNodeIDs, res.NodeID)
	if res.Output != nil {
		if s.ExecutionData == nil {
			s.ExecutionData = make(map[string]any)
		}
		s.ExecutionData[res.NodeID+"_output"] = res.Output
	}
}

// LastResult returns the most recent attempt for a node.
func (s *ExecutionState) LastResult(nodeID string) (NodeExecutionResult, bool) {
	results := s.NodeResults[nodeID]
	if len(results) == 0 {
		return NodeExecutionResult{}, false
	}
	return results[len(results)-1], true
}

// Snapshot returns a shallow copy of the execution data for handler
// input. Handlers must treat it as read-only.
func (s *ExecutionState) Snapshot() map[string]any {
	snap := make(map[string]any, len(s.ExecutionData))
	for k, v := range s.ExecutionData {
		snap[k] = v
	}
	return snap
}

// Set stores a value into the execution data.
func (s *ExecutionState) Set(key string, value any) {
	if s.ExecutionData == nil {
		s.ExecutionData = make(map[string]any)
	}
	s.ExecutionData[key] = value
}

// SetVariable stores a scoped variable.
func (s *ExecutionState) SetVariable(scope, key string, value any) {
	if s.Variables == nil {
		s.Variables = make(map[string]map[string]any)
	}
	if s.Variables[scope] == nil {
		s.Variables[scope] = make(map[string]any)
	}
	s.Variables[scope][key] = value
}

// Variable reads a scoped variable.
func (s *ExecutionState) Variable(scope, key string) (any, bool) {
	vars, ok := s.Variables[scope]
	if !ok {
		return nil, false
	}
	v, ok := vars[key]
	return v, ok
}

// Execution is one durable run of a workflow version.
//
// Lease fields are managed by the store: a worker that claimed the
// execution owns its next step until lease_until; an expired lease makes
// the execution claimable again and the late holder's commit is
// rejected.
type Execution struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	WorkflowVersion   int             `json:"workflow_version"`
	Status            ExecutionStatus `json:"status"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	RetryCount        int             `json:"retry_count"`
	NextRetryAt       *time.Time      `json:"next_retry_at,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	ParentNodeID      string          `json:"parent_node_id,omitempty"`
	LeaseOwner        string          `json:"lease_owner,omitempty"`
	LeaseUntil        *time.Time      `json:"lease_until,omitempty"`
	State             *ExecutionState `json:"state"`
}

// Terminal reports whether the execution reached a final status.
// A failed execution with a scheduled retry is not terminal.
func (e *Execution) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusTerminated:
		return true
	case StatusFailed:
		return e.NextRetryAt == nil
	default:
		return false
	}
}

// NewExecution builds a running execution of the given workflow version
// with the trigger data seeded into its state.
func NewExecution(wf *Workflow, trigger map[string]any, now time.Time) *Execution {
	exec := &Execution{
		ID:              NewID("exe"),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          StatusRunning,
		StartedAt:       now,
		State:           NewExecutionState(trigger),
	}
	if wf.TimeoutSeconds > 0 {
		deadline := now.Add(time.Duration(wf.TimeoutSeconds) * time.Second)
		exec.State.Deadline = &deadline
	}
	return exec
}

// Signal is an external event delivered to executions. An empty
// ExecutionID marks an unrouted signal that matches by type against the
// oldest waiting execution.
type Signal struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Type        string         `json:"type"`
	Data        map[string]any `json:"data,omitempty"`
	ReceivedAt  time.Time      `json:"received_at"`
	Processed   bool           `json:"processed"`
	ProcessedBy string         `json:"processed_by,omitempty"`
}

// DeadSignal is a signal that aged out unprocessed and was moved to the
// dead letter list.
type DeadSignal struct {
	Signal Signal    `json:"signal"`
	Reason string    `json:"reason"`
	DeadAt time.Time `json:"dead_at"`
}

// Schedule fires executions of a workflow on a cron rule.
type Schedule struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Rule       string    `json:"rule"`
	NextFireAt time.Time `json:"next_fire_at"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Log levels for execution logs.
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// LogEntry is one append-only execution log line.
type LogEntry struct {
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id,omitempty"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewID returns a prefixed random identifier, e.g. "exe_1f8a02c47d31".
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw[:12]
}
