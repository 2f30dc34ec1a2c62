package flow

import (
	"context"
	"time"
)

// ExecutionFilter narrows ListExecutions. Zero values mean no filter.
type ExecutionFilter struct {
	WorkflowID string
	Status     ExecutionStatus
	ParentID   string
	Limit      int
}

// NextFireFunc computes the fire time following after for a cron rule.
// Stores call it while advancing next_fire_at inside DueSchedules.
type NextFireFunc func(rule string, after time.Time) (time.Time, error)

// Store is the persistence contract for workflows, executions, signals,
// schedules, and logs. Implementations live in flow/store: an in-memory
// store for tests and development, SQLite for single-node deployments,
// and MySQL for shared ones.
//
// Concurrency is mediated entirely through leases and atomic writes, so
// any number of worker processes can share one store:
//
//   - ClaimRunnable grants a lease (owner + expiry) with a conditional
//     row update, never an advisory lock. A crashed worker's lease
//     simply expires and the execution becomes claimable again.
//   - CommitStep applies everything a step produced in one atomic unit.
//     A commit from a forfeited lease is rejected with ErrLeaseNotHeld
//     and the step's results are discarded; durable state is only ever
//     advanced by the current lease holder.
//   - Terminal executions (completed, terminated, failed without a
//     scheduled retry) are frozen: CommitStep silently discards writes
//     against them and UpdateExecution rejects with
//     ErrTerminalExecution.
//
// All methods return ErrWorkflowNotFound / ErrExecutionNotFound /
// ErrScheduleNotFound (wrapped or bare) for missing rows.
type Store interface {
	// CreateWorkflow persists a new workflow as version 1. The graph
	// must already be validated.
	CreateWorkflow(ctx context.Context, wf *Workflow) error

	// GetWorkflow loads one exact workflow version. Executions resolve
	// their graph through this method so in-flight runs never observe a
	// definition change.
	GetWorkflow(ctx context.Context, id string, version int) (*Workflow, error)

	// LatestWorkflow loads the newest version of a workflow.
	LatestWorkflow(ctx context.Context, id string) (*Workflow, error)

	// UpdateWorkflow persists the definition as a new version and
	// returns it. Existing versions are never modified.
	UpdateWorkflow(ctx context.Context, wf *Workflow) (*Workflow, error)

	// DeactivateWorkflow marks all versions inactive. Existing
	// executions keep running; new ones are refused by the engine.
	DeactivateWorkflow(ctx context.Context, id string) error

	// ListWorkflows returns the latest version of every workflow.
	ListWorkflows(ctx context.Context) ([]*Workflow, error)

	// CreateExecution persists a freshly created execution.
	CreateExecution(ctx context.Context, exec *Execution) error

	// GetExecution loads one execution with its full state.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions returns executions matching the filter, newest
	// first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// UpdateExecution writes an execution outside the step path. It is
	// the control-plane write used by pause, resume, and terminate; it
	// ignores leases (terminate must win against an in-flight step) but
	// rejects writes to terminal executions. The write is a
	// compare-and-set on the state's step counter: when the stored row
	// has advanced past the caller's snapshot, nothing is written and
	// ErrStaleExecution is returned so the caller re-reads and retries
	// instead of rolling back a committed step.
	UpdateExecution(ctx context.Context, exec *Execution) error

	// ClaimRunnable finds up to max runnable executions, grants the
	// caller a lease of leaseFor on each, and returns them. Runnable
	// means one of:
	//
	//   - status running with no live lease
	//   - status failed with next_retry_at <= now
	//   - status waiting_for_signal with a pending signal matching the
	//     expected type, routed to the execution or unrouted
	//   - status waiting_for_signal with a waiting child execution that
	//     reached a terminal status
	//
	// Paused executions are never claimable. Waiting ones are matched
	// oldest first so an unrouted signal wakes the execution that has
	// waited longest.
	ClaimRunnable(ctx context.Context, owner string, max int, now time.Time, leaseFor time.Duration) ([]*Execution, error)

	// ReleaseLease clears the lease if the caller still holds it. Used
	// when a claimed execution turns out to have no work (spurious
	// wake) or the step errored before producing a commit.
	ReleaseLease(ctx context.Context, executionID, owner string) error

	// CommitStep atomically applies the outcome of one step: the
	// execution row (status, retry bookkeeping, state blob), the step's
	// log entries, the processed mark on a consumed signal, and the
	// lease release.
	//
	// owner must hold a live lease or the commit is rejected with
	// ErrLeaseNotHeld. An empty owner marks a control-plane commit
	// (signal delivery outside the worker path) that skips the lease
	// check; because no lease protects it, the commit must carry
	// exactly one step over the stored counter or it is rejected with
	// ErrStaleExecution. If the stored row reached a terminal status
	// since the claim, the write is discarded, the lease released, and
	// nil returned; the caller's step simply lost the race. A pause
	// landed while the step was in flight survives the commit: the
	// step's results are applied but the row stays paused.
	CommitStep(ctx context.Context, owner string, exec *Execution, logs []LogEntry, processedSignalID string) error

	// AppendSignal persists an incoming signal as pending.
	AppendSignal(ctx context.Context, sig *Signal) error

	// NextPendingSignal returns the oldest pending signal of the given
	// type that is routed to the execution or unrouted, or nil when
	// none is pending.
	NextPendingSignal(ctx context.Context, executionID, signalType string) (*Signal, error)

	// ListSignals returns all signals routed to an execution, oldest
	// first.
	ListSignals(ctx context.Context, executionID string) ([]*Signal, error)

	// SweepExpiredSignals moves pending signals older than ttl to the
	// dead letter list and returns how many were moved.
	SweepExpiredSignals(ctx context.Context, now time.Time, ttl time.Duration) (int, error)

	// DeadLetters returns dead-lettered signals, oldest first.
	DeadLetters(ctx context.Context) ([]DeadSignal, error)

	// CreateSchedule persists a schedule.
	CreateSchedule(ctx context.Context, sched *Schedule) error

	// GetSchedule loads one schedule.
	GetSchedule(ctx context.Context, id string) (*Schedule, error)

	// UpdateSchedule overwrites a schedule's rule, next fire time, and
	// active flag.
	UpdateSchedule(ctx context.Context, sched *Schedule) error

	// DeleteSchedule removes a schedule.
	DeleteSchedule(ctx context.Context, id string) error

	// ListSchedules returns all schedules.
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	// DueSchedules returns up to max active schedules with
	// next_fire_at <= now, atomically advancing each one's
	// next_fire_at using nextFire before returning it. A schedule is
	// handed out exactly once per fire time even when multiple workers
	// poll concurrently; firing is fire-and-forget.
	DueSchedules(ctx context.Context, now time.Time, max int, nextFire NextFireFunc) ([]*Schedule, error)

	// AppendLog appends one log entry outside the step path.
	AppendLog(ctx context.Context, entry LogEntry) error

	// ListLogs returns an execution's log entries, oldest first.
	ListLogs(ctx context.Context, executionID string) ([]LogEntry, error)
}
