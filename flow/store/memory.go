package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dshills/flowcore-go/flow"
)

// MemStore is the in-memory flow.Store. It honors the full store
// contract, including leases, atomic step commits, and the terminal
// freeze, so engine and worker behavior against it matches the SQL
// backends. Everything crosses the boundary through the msgpack codec;
// callers never share state with stored rows.
type MemStore struct {
	mu sync.Mutex

	workflows  map[string][]*flow.Workflow
	executions map[string]*flow.Execution
	signals    []*flow.Signal
	dead       []flow.DeadSignal
	schedules  map[string]*flow.Schedule
	logs       map[string][]flow.LogEntry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:  make(map[string][]*flow.Workflow),
		executions: make(map[string]*flow.Execution),
		schedules:  make(map[string]*flow.Schedule),
		logs:       make(map[string][]flow.LogEntry),
	}
}

var _ flow.Store = (*MemStore)(nil)

// CreateWorkflow implements flow.Store.
func (s *MemStore) CreateWorkflow(_ context.Context, wf *flow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.workflows[wf.ID]) > 0 {
		return fmt.Errorf("workflow %s already exists", wf.ID)
	}
	wf.Version = 1
	now := time.Now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	clone, err := cloneWorkflow(wf)
	if err != nil {
		return err
	}
	s.workflows[wf.ID] = []*flow.Workflow{clone}
	return nil
}

// GetWorkflow implements flow.Store.
func (s *MemStore) GetWorkflow(_ context.Context, id string, version int) (*flow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, wf := range s.workflows[id] {
		if wf.Version == version {
			return cloneWorkflow(wf)
		}
	}
	return nil, fmt.Errorf("workflow %s version %d: %w", id, version, flow.ErrWorkflowNotFound)
}

// LatestWorkflow implements flow.Store.
func (s *MemStore) LatestWorkflow(_ context.Context, id string) (*flow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.workflows[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("workflow %s: %w", id, flow.ErrWorkflowNotFound)
	}
	return cloneWorkflow(versions[len(versions)-1])
}

// UpdateWorkflow implements flow.Store.
func (s *MemStore) UpdateWorkflow(_ context.Context, wf *flow.Workflow) (*flow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.workflows[wf.ID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("workflow %s: %w", wf.ID, flow.ErrWorkflowNotFound)
	}
	latest := versions[len(versions)-1]

	next := *wf
	next.Version = latest.Version + 1
	next.CreatedAt = latest.CreatedAt
	next.UpdatedAt = time.Now()

	clone, err := cloneWorkflow(&next)
	if err != nil {
		return nil, err
	}
	s.workflows[wf.ID] = append(versions, clone)
	return cloneWorkflow(clone)
}

// DeactivateWorkflow implements flow.Store.
func (s *MemStore) DeactivateWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.workflows[id]
	if len(versions) == 0 {
		return fmt.Errorf("workflow %s: %w", id, flow.ErrWorkflowNotFound)
	}
	for _, wf := range versions {
		wf.Active = false
		wf.UpdatedAt = time.Now()
	}
	return nil
}

// ListWorkflows implements flow.Store.
func (s *MemStore) ListWorkflows(_ context.Context) ([]*flow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*flow.Workflow, 0, len(s.workflows))
	for _, versions := range s.workflows {
		clone, err := cloneWorkflow(versions[len(versions)-1])
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateExecution implements flow.Store.
func (s *MemStore) CreateExecution(_ context.Context, exec *flow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	clone, err := cloneExecution(exec)
	if err != nil {
		return err
	}
	s.executions[exec.ID] = clone
	return nil
}

// GetExecution implements flow.Store.
func (s *MemStore) GetExecution(_ context.Context, id string) (*flow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getExecutionLocked(id)
}

func (s *MemStore) getExecutionLocked(id string) (*flow.Execution, error) {
	stored, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, flow.ErrExecutionNotFound)
	}
	return cloneExecution(stored)
}

// ListExecutions implements flow.Store.
func (s *MemStore) ListExecutions(_ context.Context, filter flow.ExecutionFilter) ([]*flow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*flow.Execution
	for _, exec := range s.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		if filter.ParentID != "" && exec.ParentExecutionID != filter.ParentID {
			continue
		}
		clone, err := cloneExecution(exec)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// stateSteps reads the step counter the compare-and-set writes key on.
func stateSteps(exec *flow.Execution) int {
	if exec == nil || exec.State == nil {
		return 0
	}
	return exec.State.Steps
}

// UpdateExecution implements flow.Store. It ignores leases but rejects
// writes to terminal rows and to rows that advanced past the caller's
// snapshot.
func (s *MemStore) UpdateExecution(_ context.Context, exec *flow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[exec.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", exec.ID, flow.ErrExecutionNotFound)
	}
	if stored.Terminal() {
		return fmt.Errorf("execution %s is %s: %w", exec.ID, stored.Status, flow.ErrTerminalExecution)
	}
	if stateSteps(stored) != stateSteps(exec) {
		return fmt.Errorf("execution %s at step %d, snapshot at step %d: %w",
			exec.ID, stateSteps(stored), stateSteps(exec), flow.ErrStaleExecution)
	}

	clone, err := cloneExecution(exec)
	if err != nil {
		return err
	}
	// The lease stays with whoever holds it; control-plane writes do
	// not steal or drop it.
	clone.LeaseOwner = stored.LeaseOwner
	clone.LeaseUntil = stored.LeaseUntil
	s.executions[exec.ID] = clone
	return nil
}

// ClaimRunnable implements flow.Store.
func (s *MemStore) ClaimRunnable(_ context.Context, owner string, max int, now time.Time, leaseFor time.Duration) ([]*flow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*flow.Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		if s.runnableLocked(exec, now) {
			candidates = append(candidates, exec)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].StartedAt.Before(candidates[j].StartedAt)
	})
	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}

	until := now.Add(leaseFor)
	claimed := make([]*flow.Execution, 0, len(candidates))
	for _, exec := range candidates {
		exec.LeaseOwner = owner
		exec.LeaseUntil = &until
		clone, err := cloneExecution(exec)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, clone)
	}
	return claimed, nil
}

func (s *MemStore) runnableLocked(exec *flow.Execution, now time.Time) bool {
	if exec.LeaseOwner != "" && exec.LeaseUntil != nil && now.Before(*exec.LeaseUntil) {
		return false
	}
	switch exec.Status {
	case flow.StatusRunning:
		return true
	case flow.StatusFailed:
		return exec.NextRetryAt != nil && !now.Before(*exec.NextRetryAt)
	case flow.StatusWaitingForSignal:
		if exec.State == nil {
			return false
		}
		if childID := exec.State.WaitingChildID; childID != "" {
			child, ok := s.executions[childID]
			return ok && child.Terminal()
		}
		if sigType := exec.State.WaitingSignalType; sigType != "" {
			return s.pendingSignalLocked(exec.ID, sigType) != nil
		}
		return false
	default:
		return false
	}
}

func (s *MemStore) pendingSignalLocked(executionID, signalType string) *flow.Signal {
	var oldest *flow.Signal
	for _, sig := range s.signals {
		if sig.Processed || sig.Type != signalType {
			continue
		}
		if sig.ExecutionID != "" && sig.ExecutionID != executionID {
			continue
		}
		if oldest == nil || sig.ReceivedAt.Before(oldest.ReceivedAt) {
			oldest = sig
		}
	}
	return oldest
}

// ReleaseLease implements flow.Store.
func (s *MemStore) ReleaseLease(_ context.Context, executionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("execution %s: %w", executionID, flow.ErrExecutionNotFound)
	}
	if stored.LeaseOwner == owner {
		stored.LeaseOwner = ""
		stored.LeaseUntil = nil
	}
	return nil
}

// CommitStep implements flow.Store.
func (s *MemStore) CommitStep(_ context.Context, owner string, exec *flow.Execution, logs []flow.LogEntry, processedSignalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[exec.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", exec.ID, flow.ErrExecutionNotFound)
	}

	// Terminal rows are frozen: the control plane won the race and the
	// step's results are discarded without error.
	if stored.Terminal() {
		if owner != "" && stored.LeaseOwner == owner {
			stored.LeaseOwner = ""
			stored.LeaseUntil = nil
		}
		return nil
	}

	if owner != "" && stored.LeaseOwner != owner {
		return fmt.Errorf("execution %s held by %q: %w", exec.ID, stored.LeaseOwner, flow.ErrLeaseNotHeld)
	}
	// Control-plane commits hold no lease; the step counter is their
	// only protection against overwriting a concurrent worker commit.
	if owner == "" && stateSteps(stored)+1 != stateSteps(exec) {
		return fmt.Errorf("execution %s at step %d, commit from step %d: %w",
			exec.ID, stateSteps(stored), stateSteps(exec)-1, flow.ErrStaleExecution)
	}

	clone, err := cloneExecution(exec)
	if err != nil {
		return err
	}
	clone.LeaseOwner = ""
	clone.LeaseUntil = nil
	// A pause that landed mid-step sticks; the step's results still
	// commit.
	if stored.Status == flow.StatusPaused &&
		(clone.Status == flow.StatusRunning || clone.Status == flow.StatusWaitingForSignal) {
		clone.Status = flow.StatusPaused
	}
	s.executions[exec.ID] = clone

	for _, entry := range logs {
		s.logs[exec.ID] = append(s.logs[exec.ID], entry)
	}
	if processedSignalID != "" {
		for _, sig := range s.signals {
			if sig.ID == processedSignalID {
				sig.Processed = true
				sig.ProcessedBy = exec.ID
				break
			}
		}
	}
	return nil
}

// AppendSignal implements flow.Store.
func (s *MemStore) AppendSignal(_ context.Context, sig *flow.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copySig := *sig
	s.signals = append(s.signals, &copySig)
	return nil
}

// NextPendingSignal implements flow.Store.
func (s *MemStore) NextPendingSignal(_ context.Context, executionID, signalType string) (*flow.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig := s.pendingSignalLocked(executionID, signalType)
	if sig == nil {
		return nil, nil
	}
	copySig := *sig
	return &copySig, nil
}

// ListSignals implements flow.Store.
func (s *MemStore) ListSignals(_ context.Context, executionID string) ([]*flow.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*flow.Signal
	for _, sig := range s.signals {
		if sig.ExecutionID != executionID && sig.ProcessedBy != executionID {
			continue
		}
		copySig := *sig
		out = append(out, &copySig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// SweepExpiredSignals implements flow.Store.
func (s *MemStore) SweepExpiredSignals(_ context.Context, now time.Time, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-ttl)
	kept := s.signals[:0]
	moved := 0
	for _, sig := range s.signals {
		if !sig.Processed && sig.ReceivedAt.Before(cutoff) {
			s.dead = append(s.dead, flow.DeadSignal{
				Signal: *sig,
				Reason: "ttl expired",
				DeadAt: now,
			})
			moved++
			continue
		}
		kept = append(kept, sig)
	}
	s.signals = kept
	return moved, nil
}

// DeadLetters implements flow.Store.
func (s *MemStore) DeadLetters(_ context.Context) ([]flow.DeadSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]flow.DeadSignal, len(s.dead))
	copy(out, s.dead)
	return out, nil
}

// CreateSchedule implements flow.Store.
func (s *MemStore) CreateSchedule(_ context.Context, sched *flow.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[sched.ID]; exists {
		return fmt.Errorf("schedule %s already exists", sched.ID)
	}
	copySched := *sched
	s.schedules[sched.ID] = &copySched
	return nil
}

// GetSchedule implements flow.Store.
func (s *MemStore) GetSchedule(_ context.Context, id string) (*flow.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, flow.ErrScheduleNotFound)
	}
	copySched := *sched
	return &copySched, nil
}

// UpdateSchedule implements flow.Store.
func (s *MemStore) UpdateSchedule(_ context.Context, sched *flow.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sched.ID]; !ok {
		return fmt.Errorf("schedule %s: %w", sched.ID, flow.ErrScheduleNotFound)
	}
	copySched := *sched
	s.schedules[sched.ID] = &copySched
	return nil
}

// DeleteSchedule implements flow.Store.
func (s *MemStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return fmt.Errorf("schedule %s: %w", id, flow.ErrScheduleNotFound)
	}
	delete(s.schedules, id)
	return nil
}

// ListSchedules implements flow.Store.
func (s *MemStore) ListSchedules(_ context.Context) ([]*flow.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*flow.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		copySched := *sched
		out = append(out, &copySched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DueSchedules implements flow.Store. Advancing next_fire_at under the
// store lock makes each fire time hand out exactly once.
func (s *MemStore) DueSchedules(_ context.Context, now time.Time, max int, nextFire flow.NextFireFunc) ([]*flow.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*flow.Schedule
	for _, sched := range s.schedules {
		if !sched.Active || sched.NextFireAt.After(now) {
			continue
		}
		due = append(due, sched)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextFireAt.Before(due[j].NextFireAt) })
	if max > 0 && len(due) > max {
		due = due[:max]
	}

	out := make([]*flow.Schedule, 0, len(due))
	for _, sched := range due {
		fired := *sched
		next, err := nextFire(sched.Rule, now)
		if err != nil {
			// An unparseable rule must not fire forever; park it.
			sched.Active = false
			sched.UpdatedAt = now
			continue
		}
		sched.NextFireAt = next
		sched.UpdatedAt = now
		out = append(out, &fired)
	}
	return out, nil
}

// AppendLog implements flow.Store.
func (s *MemStore) AppendLog(_ context.Context, entry flow.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], entry)
	return nil
}

// ListLogs implements flow.Store.
func (s *MemStore) ListLogs(_ context.Context, executionID string) ([]flow.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.logs[executionID]
	out := make([]flow.LogEntry, len(entries))
	copy(out, entries)
	return out, nil
}
