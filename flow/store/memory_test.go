package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dshills/flowcore-go/flow"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testWorkflow(id string) *flow.Workflow {
	return &flow.Workflow{
		ID:   id,
		Name: id,
		Nodes: []flow.NodeDef{
			{ID: "start", Kind: flow.KindTrigger},
		},
		Trigger: flow.TriggerConfig{Type: flow.TriggerManual},
		Active:  true,
	}
}

func testExecution(id string, status flow.ExecutionStatus, startedAt time.Time) *flow.Execution {
	return &flow.Execution{
		ID:              id,
		WorkflowID:      "wf",
		WorkflowVersion: 1,
		Status:          status,
		StartedAt:       startedAt,
		State:           flow.NewExecutionState(nil),
	}
}

func mustCreate(t *testing.T, s *MemStore, exec *flow.Execution) {
	t.Helper()
	if err := s.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("CreateExecution(%s) = %v", exec.ID, err)
	}
}

func claimIDs(t *testing.T, s *MemStore, owner string, now time.Time) []string {
	t.Helper()
	claimed, err := s.ClaimRunnable(context.Background(), owner, 100, now, time.Minute)
	if err != nil {
		t.Fatalf("ClaimRunnable() = %v", err)
	}
	ids := make([]string, len(claimed))
	for i, exec := range claimed {
		ids[i] = exec.ID
	}
	return ids
}

func TestWorkflowVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	wf := testWorkflow("order-flow")
	if err := s.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow() = %v", err)
	}
	if err := s.CreateWorkflow(ctx, testWorkflow("order-flow")); err == nil {
		t.Error("duplicate CreateWorkflow() = nil, want error")
	}

	v1, err := s.LatestWorkflow(ctx, "order-flow")
	if err != nil || v1.Version != 1 {
		t.Fatalf("LatestWorkflow() = v%d, %v; want v1", v1.Version, err)
	}

	update := testWorkflow("order-flow")
	update.Name = "order flow v2"
	v2, err := s.UpdateWorkflow(ctx, update)
	if err != nil || v2.Version != 2 {
		t.Fatalf("UpdateWorkflow() = v%d, %v; want v2", v2.Version, err)
	}
	if !v2.CreatedAt.Equal(v1.CreatedAt) {
		t.Error("update changed CreatedAt")
	}

	// Old versions stay readable for pinned executions.
	got, err := s.GetWorkflow(ctx, "order-flow", 1)
	if err != nil || got.Name != "order-flow" {
		t.Errorf("GetWorkflow(v1) = %q, %v; want original", got.Name, err)
	}
	if _, err := s.GetWorkflow(ctx, "order-flow", 9); !errors.Is(err, flow.ErrWorkflowNotFound) {
		t.Errorf("GetWorkflow(v9) = %v, want ErrWorkflowNotFound", err)
	}

	if err := s.DeactivateWorkflow(ctx, "order-flow"); err != nil {
		t.Fatalf("DeactivateWorkflow() = %v", err)
	}
	latest, _ := s.LatestWorkflow(ctx, "order-flow")
	if latest.Active {
		t.Error("latest version still active after deactivate")
	}
	old, _ := s.GetWorkflow(ctx, "order-flow", 1)
	if old.Active {
		t.Error("old version still active after deactivate")
	}

	if _, err := s.LatestWorkflow(ctx, "nope"); !errors.Is(err, flow.ErrWorkflowNotFound) {
		t.Errorf("LatestWorkflow(nope) = %v, want ErrWorkflowNotFound", err)
	}
}

func TestClaimEligibility(t *testing.T) {
	ctx := context.Background()
	now := baseTime

	t.Run("running is claimable", func(t *testing.T) {
		s := NewMemStore()
		mustCreate(t, s, testExecution("e1", flow.StatusRunning, now))
		if ids := claimIDs(t, s, "w", now); len(ids) != 1 {
			t.Errorf("claimed %v, want e1", ids)
		}
	})

	t.Run("paused is never claimable", func(t *testing.T) {
		s := NewMemStore()
		mustCreate(t, s, testExecution("e1", flow.StatusPaused, now))
		if ids := claimIDs(t, s, "w", now); len(ids) != 0 {
			t.Errorf("claimed %v, want none", ids)
		}
	})

	t.Run("terminal is never claimable", func(t *testing.T) {
		s := NewMemStore()
		mustCreate(t, s, testExecution("e1", flow.StatusCompleted, now))
		mustCreate(t, s, testExecution("e2", flow.StatusTerminated, now))
		mustCreate(t, s, testExecution("e3", flow.StatusFailed, now))
		if ids := claimIDs(t, s, "w", now); len(ids) != 0 {
			t.Errorf("claimed %v, want none", ids)
		}
	})

	t.Run("failed claimable once retry due", func(t *testing.T) {
		s := NewMemStore()
		exec := testExecution("e1", flow.StatusFailed, now)
		retryAt := now.Add(10 * time.Second)
		exec.NextRetryAt = &retryAt
		mustCreate(t, s, exec)

		if ids := claimIDs(t, s, "w", now); len(ids) != 0 {
			t.Errorf("claimed %v before retry due", ids)
		}
		if ids := claimIDs(t, s, "w", now.Add(11*time.Second)); len(ids) != 1 {
			t.Errorf("claimed %v after retry due, want e1", ids)
		}
	})

	t.Run("waiting needs a matching signal", func(t *testing.T) {
		s := NewMemStore()
		exec := testExecution("e1", flow.StatusWaitingForSignal, now)
		exec.State.WaitingSignalType = "approval"
		mustCreate(t, s, exec)

		if ids := claimIDs(t, s, "w", now); len(ids) != 0 {
			t.Errorf("claimed %v with no signal", ids)
		}

		// Wrong type does not wake it.
		_ = s.AppendSignal(ctx, &flow.Signal{ID: "s1", ExecutionID: "e1", Type: "rejection", ReceivedAt: now})
		if ids := claimIDs(t, s, "w", now); len(ids) != 0 {
			t.Errorf("claimed %v on wrong signal type", ids)
		}

		_ = s.AppendSignal(ctx, &flow.Signal{ID: "s2", ExecutionID: "e1", Type: "approval", ReceivedAt: now})
		if ids := claimIDs(t, s, "w", now); len(ids) != 1 {
			t.Errorf("claimed %v on matching signal, want e1", ids)
		}
	})

	t.Run("unrouted signal matches by type", func(t *testing.T) {
		s := NewMemStore()
		exec := testExecution("e1", flow.StatusWaitingForSignal, now)
		exec.State.WaitingSignalType = "approval"
		mustCreate(t, s, exec)

		_ = s.AppendSignal(ctx, &flow.Signal{ID: "s1", Type: "approval", ReceivedAt: now})
		if ids := claimIDs(t, s, "w", now); len(ids) != 1 {
			t.Errorf("claimed %v on unrouted signal, want e1", ids)
		}
	})

	t.Run("routed signal wakes only its target", func(t *testing.T) {
		s := NewMemStore()
		e1 := testExecution("e1", flow.StatusWaitingForSignal, now)
		e1.State.WaitingSignalType = "approval"
		e2 := testExecution("e2", flow.StatusWaitingForSignal, now.Add(time.Second))
		e2.State.WaitingSignalType = "approval"
		mustCreate(t, s, e1)
		mustCreate(t, s, e2)

		_ = s.AppendSignal(ctx, &flow.Signal{ID: "s1", ExecutionID: "e2", Type: "approval", ReceivedAt: now})
		ids := claimIDs(t, s, "w", now)
		if len(ids) != 1 || ids[0] != "e2" {
			t.Errorf("claimed %v, want only e2", ids)
		}
	})

	t.Run("waiting on child claimable when child terminal", func(t *testing.T) {
		s := NewMemStore()
		child := testExecution("child", flow.StatusRunning, now)
		parent := testExecution("parent", flow.StatusWaitingForSignal, now)
		parent.State.WaitingChildID = "child"
		mustCreate(t, s, child)
		mustCreate(t, s, parent)

		// Both child (running) and nothing else: parent not yet.
		ids := claimIDs(t, s, "w", now)
		if len(ids) != 1 || ids[0] != "child" {
			t.Fatalf("claimed %v, want only child", ids)
		}
		_ = s.ReleaseLease(ctx, "child", "w")

		done := testExecution("child", flow.StatusCompleted, now)
		done.CompletedAt = &now
		// Overwrite via CommitStep under a fresh claim.
		claimed, _ := s.ClaimRunnable(ctx, "w", 1, now, time.Minute)
		if len(claimed) != 1 {
			t.Fatal("re-claim of child failed")
		}
		if err := s.CommitStep(ctx, "w", done, nil, ""); err != nil {
			t.Fatalf("CommitStep(child terminal) = %v", err)
		}

		ids = claimIDs(t, s, "w", now)
		if len(ids) != 1 || ids[0] != "parent" {
			t.Errorf("claimed %v, want parent after child completed", ids)
		}
	})

	t.Run("oldest waiter claims first", func(t *testing.T) {
		s := NewMemStore()
		newer := testExecution("newer", flow.StatusRunning, now.Add(time.Minute))
		older := testExecution("older", flow.StatusRunning, now)
		mustCreate(t, s, newer)
		mustCreate(t, s, older)

		claimed, err := s.ClaimRunnable(ctx, "w", 1, now.Add(2*time.Minute), time.Minute)
		if err != nil || len(claimed) != 1 || claimed[0].ID != "older" {
			t.Errorf("claimed %v, %v; want oldest first", claimed, err)
		}
	})
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	s := NewMemStore()
	mustCreate(t, s, testExecution("e1", flow.StatusRunning, now))

	claimed, err := s.ClaimRunnable(ctx, "alpha", 10, now, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim = %d, %v; want 1", len(claimed), err)
	}
	if claimed[0].LeaseOwner != "alpha" || claimed[0].LeaseUntil == nil {
		t.Fatalf("lease = %s/%v, want granted to alpha", claimed[0].LeaseOwner, claimed[0].LeaseUntil)
	}

	// Live lease blocks other claimants.
	if ids := claimIDs(t, s, "beta", now.Add(30*time.Second)); len(ids) != 0 {
		t.Errorf("beta claimed %v under alpha's lease", ids)
	}

	// Releasing with the wrong owner is a no-op.
	if err := s.ReleaseLease(ctx, "e1", "beta"); err != nil {
		t.Fatalf("ReleaseLease(beta) = %v", err)
	}
	if ids := claimIDs(t, s, "beta", now.Add(30*time.Second)); len(ids) != 0 {
		t.Errorf("beta claimed %v after foreign release", ids)
	}

	// The holder's release opens the claim.
	if err := s.ReleaseLease(ctx, "e1", "alpha"); err != nil {
		t.Fatalf("ReleaseLease(alpha) = %v", err)
	}
	if ids := claimIDs(t, s, "beta", now.Add(30*time.Second)); len(ids) != 1 {
		t.Errorf("beta claimed %v after release, want e1", ids)
	}
}

func TestCommitStepLeaseChecks(t *testing.T) {
	ctx := context.Background()
	now := baseTime

	t.Run("wrong owner rejected", func(t *testing.T) {
		s := NewMemStore()
		mustCreate(t, s, testExecution("e1", flow.StatusRunning, now))
		claimed, _ := s.ClaimRunnable(ctx, "alpha", 1, now, time.Minute)

		step := claimed[0]
		step.State.CompletedNodeIDs = append(step.State.CompletedNodeIDs, "start")
		err := s.CommitStep(ctx, "beta", step, nil, "")
		if !errors.Is(err, flow.ErrLeaseNotHeld) {
			t.Fatalf("CommitStep(beta) = %v, want ErrLeaseNotHeld", err)
		}

		got, _ := s.GetExecution(ctx, "e1")
		if len(got.State.CompletedNodeIDs) != 0 {
			t.Error("rejected commit still advanced state")
		}
	})

	t.Run("holder commit applies and releases", func(t *testing.T) {
		s := NewMemStore()
		mustCreate(t, s, testExecution("e1", flow.StatusRunning, now))
		claimed, _ := s.ClaimRunnable(ctx, "alpha", 1, now, time.Minute)

		step := claimed[0]
		step.State.CompletedNodeIDs = append(step.State.CompletedNodeIDs, "start")
		logs := []flow.LogEntry{{ExecutionID: "e1", Level: flow.LogInfo, Message: "start completed", Timestamp: now}}
		if err := s.CommitStep(ctx, "alpha", step, logs, ""); err != nil {
			t.Fatalf("CommitStep(alpha) = %v", err)
		}

		got, _ := s.GetExecution(ctx, "e1")
		if len(got.State.CompletedNodeIDs) != 1 {
			t.Error("commit did not apply state")
		}
		if got.LeaseOwner != "" || got.LeaseUntil != nil {
			t.Error("commit did not release the lease")
		}
		stored, _ := s.ListLogs(ctx, "e1")
		if len(stored) != 1 || stored[0].Message != "start completed" {
			t.Errorf("logs = %v, want the step log", stored)
		}
	})

	t.Run("control plane commit skips lease check", func(t *testing.T) {
		s := NewMemStore()
		mustCreate(t, s, testExecution("e1", flow.StatusRunning, now))
		claimed, _ := s.ClaimRunnable(ctx, "alpha", 1, now, time.Minute)

		step := claimed[0]
		step.State.Set("signal_approval", map[string]any{"ok": true})
		step.State.Steps++
		if err := s.CommitStep(ctx, "", step, nil, ""); err != nil {
			t.Fatalf("CommitStep(control plane) = %v", err)
		}
		got, _ := s.GetExecution(ctx, "e1")
		if got.State.ExecutionData["signal_approval"] == nil {
			t.Error("control plane commit did not apply")
		}
	})

	t.Run("control plane commit from stale snapshot rejected", func(t *testing.T) {
		s := NewMemStore()
		mustCreate(t, s, testExecution("e1", flow.StatusRunning, now))

		snapshot, _ := s.GetExecution(ctx, "e1")

		// A worker commits a step after the snapshot was taken.
		claimed, _ := s.ClaimRunnable(ctx, "alpha", 1, now, time.Minute)
		worker := claimed[0]
		worker.State.CompletedNodeIDs = append(worker.State.CompletedNodeIDs, "start")
		worker.State.Steps++
		if err := s.CommitStep(ctx, "alpha", worker, nil, ""); err != nil {
			t.Fatalf("CommitStep(worker) = %v", err)
		}

		snapshot.State.Set("signal_approval", map[string]any{"ok": true})
		snapshot.State.Steps++
		err := s.CommitStep(ctx, "", snapshot, nil, "")
		if !errors.Is(err, flow.ErrStaleExecution) {
			t.Fatalf("CommitStep(stale control plane) = %v, want ErrStaleExecution", err)
		}
		got, _ := s.GetExecution(ctx, "e1")
		if len(got.State.CompletedNodeIDs) != 1 {
			t.Error("stale commit rolled back the worker's step")
		}
	})

	t.Run("commit keeps a pause that landed mid-step", func(t *testing.T) {
		s := NewMemStore()
		mustCreate(t, s, testExecution("e1", flow.StatusRunning, now))
		claimed, _ := s.ClaimRunnable(ctx, "alpha", 1, now, time.Minute)

		paused := testExecution("e1", flow.StatusPaused, now)
		if err := s.UpdateExecution(ctx, paused); err != nil {
			t.Fatalf("UpdateExecution(pause) = %v", err)
		}

		step := claimed[0]
		step.State.CompletedNodeIDs = append(step.State.CompletedNodeIDs, "start")
		step.State.Steps++
		step.Status = flow.StatusRunning
		if err := s.CommitStep(ctx, "alpha", step, nil, ""); err != nil {
			t.Fatalf("CommitStep(after pause) = %v", err)
		}

		got, _ := s.GetExecution(ctx, "e1")
		if got.Status != flow.StatusPaused {
			t.Errorf("Status = %s, want paused kept through the commit", got.Status)
		}
		if len(got.State.CompletedNodeIDs) != 1 {
			t.Error("commit under pause did not apply the step's results")
		}
		if got.LeaseOwner != "" {
			t.Error("commit under pause did not release the lease")
		}
	})

	t.Run("terminal row freezes and discards", func(t *testing.T) {
		s := NewMemStore()
		mustCreate(t, s, testExecution("e1", flow.StatusRunning, now))
		claimed, _ := s.ClaimRunnable(ctx, "alpha", 1, now, time.Minute)

		// Terminate lands while the step is in flight.
		term := testExecution("e1", flow.StatusTerminated, now)
		term.CompletedAt = &now
		if err := s.UpdateExecution(ctx, term); err != nil {
			t.Fatalf("UpdateExecution(terminate) = %v", err)
		}

		step := claimed[0]
		step.State.CompletedNodeIDs = append(step.State.CompletedNodeIDs, "start")
		if err := s.CommitStep(ctx, "alpha", step, nil, ""); err != nil {
			t.Fatalf("CommitStep(after terminate) = %v, want nil discard", err)
		}

		got, _ := s.GetExecution(ctx, "e1")
		if got.Status != flow.StatusTerminated {
			t.Errorf("Status = %s, want terminated kept", got.Status)
		}
		if len(got.State.CompletedNodeIDs) != 0 {
			t.Error("discarded step still advanced state")
		}
		if got.LeaseOwner != "" {
			t.Error("discard did not clear the holder's lease")
		}
	})

	t.Run("consumed signal marked processed", func(t *testing.T) {
		s := NewMemStore()
		mustCreate(t, s, testExecution("e1", flow.StatusRunning, now))
		_ = s.AppendSignal(ctx, &flow.Signal{ID: "s1", ExecutionID: "e1", Type: "approval", ReceivedAt: now})
		claimed, _ := s.ClaimRunnable(ctx, "alpha", 1, now, time.Minute)

		if err := s.CommitStep(ctx, "alpha", claimed[0], nil, "s1"); err != nil {
			t.Fatalf("CommitStep() = %v", err)
		}
		sig, err := s.NextPendingSignal(ctx, "e1", "approval")
		if err != nil || sig != nil {
			t.Errorf("NextPendingSignal() = %v, %v; want consumed", sig, err)
		}
		listed, _ := s.ListSignals(ctx, "e1")
		if len(listed) != 1 || !listed[0].Processed || listed[0].ProcessedBy != "e1" {
			t.Errorf("ListSignals() = %+v, want processed mark", listed)
		}
	})
}

func TestUpdateExecutionRules(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	s := NewMemStore()
	mustCreate(t, s, testExecution("e1", flow.StatusRunning, now))

	t.Run("stale snapshot rejected", func(t *testing.T) {
		snapshot, _ := s.GetExecution(ctx, "e1")

		claimed, _ := s.ClaimRunnable(ctx, "alpha", 1, now, time.Minute)
		worker := claimed[0]
		worker.State.CompletedNodeIDs = append(worker.State.CompletedNodeIDs, "start")
		worker.State.Steps++
		if err := s.CommitStep(ctx, "alpha", worker, nil, ""); err != nil {
			t.Fatalf("CommitStep(worker) = %v", err)
		}

		snapshot.Status = flow.StatusPaused
		if err := s.UpdateExecution(ctx, snapshot); !errors.Is(err, flow.ErrStaleExecution) {
			t.Fatalf("UpdateExecution(stale) = %v, want ErrStaleExecution", err)
		}
		got, _ := s.GetExecution(ctx, "e1")
		if len(got.State.CompletedNodeIDs) != 1 {
			t.Error("stale write rolled back the worker's step")
		}

		// A fresh read carries the current counter and lands.
		fresh, _ := s.GetExecution(ctx, "e1")
		fresh.Status = flow.StatusPaused
		if err := s.UpdateExecution(ctx, fresh); err != nil {
			t.Fatalf("UpdateExecution(fresh) = %v", err)
		}
		got, _ = s.GetExecution(ctx, "e1")
		if got.Status != flow.StatusPaused || len(got.State.CompletedNodeIDs) != 1 {
			t.Errorf("Status = %s, completed = %v; want paused with the step kept",
				got.Status, got.State.CompletedNodeIDs)
		}
	})

	t.Run("terminal rows rejected", func(t *testing.T) {
		term, _ := s.GetExecution(ctx, "e1")
		term.Status = flow.StatusTerminated
		term.CompletedAt = &now
		if err := s.UpdateExecution(ctx, term); err != nil {
			t.Fatalf("UpdateExecution(terminate) = %v", err)
		}
		again, _ := s.GetExecution(ctx, "e1")
		again.Status = flow.StatusRunning
		if err := s.UpdateExecution(ctx, again); !errors.Is(err, flow.ErrTerminalExecution) {
			t.Errorf("UpdateExecution(terminal row) = %v, want ErrTerminalExecution", err)
		}
	})

	t.Run("unknown execution", func(t *testing.T) {
		err := s.UpdateExecution(ctx, testExecution("ghost", flow.StatusRunning, now))
		if !errors.Is(err, flow.ErrExecutionNotFound) {
			t.Errorf("UpdateExecution(ghost) = %v, want ErrExecutionNotFound", err)
		}
	})
}

func TestUpdateExecutionPreservesLease(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	s := NewMemStore()
	mustCreate(t, s, testExecution("e1", flow.StatusRunning, now))
	if _, err := s.ClaimRunnable(ctx, "alpha", 1, now, time.Minute); err != nil {
		t.Fatalf("ClaimRunnable() = %v", err)
	}

	paused := testExecution("e1", flow.StatusPaused, now)
	if err := s.UpdateExecution(ctx, paused); err != nil {
		t.Fatalf("UpdateExecution(pause) = %v", err)
	}

	got, _ := s.GetExecution(ctx, "e1")
	if got.Status != flow.StatusPaused {
		t.Errorf("Status = %s, want paused", got.Status)
	}
	if got.LeaseOwner != "alpha" {
		t.Errorf("LeaseOwner = %q, want alpha kept through control-plane write", got.LeaseOwner)
	}
}

func TestStoredRowsDoNotShareState(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	exec := testExecution("e1", flow.StatusRunning, baseTime)
	exec.State.Set("stage", "created")
	mustCreate(t, s, exec)

	// Mutating the caller's copy after create must not leak in.
	exec.State.Set("stage", "mutated")

	got, _ := s.GetExecution(ctx, "e1")
	if got.State.ExecutionData["stage"] != "created" {
		t.Errorf("stage = %v, want isolated from caller mutation", got.State.ExecutionData["stage"])
	}

	// Mutating a returned copy must not leak back.
	got.State.Set("stage", "tampered")
	again, _ := s.GetExecution(ctx, "e1")
	if again.State.ExecutionData["stage"] != "created" {
		t.Error("returned row shares state with the store")
	}
}

func TestSweepExpiredSignals(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	s := NewMemStore()

	_ = s.AppendSignal(ctx, &flow.Signal{ID: "old", Type: "approval", ReceivedAt: now.Add(-25 * time.Hour)})
	_ = s.AppendSignal(ctx, &flow.Signal{ID: "fresh", Type: "approval", ReceivedAt: now.Add(-time.Hour)})
	consumed := &flow.Signal{ID: "done", Type: "approval", ReceivedAt: now.Add(-48 * time.Hour), Processed: true}
	_ = s.AppendSignal(ctx, consumed)

	n, err := s.SweepExpiredSignals(ctx, now, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("SweepExpiredSignals() = %d, %v; want 1", n, err)
	}

	dead, _ := s.DeadLetters(ctx)
	if len(dead) != 1 || dead[0].Signal.ID != "old" {
		t.Fatalf("DeadLetters() = %+v, want the old signal", dead)
	}
	if dead[0].Reason != "ttl expired" {
		t.Errorf("Reason = %q", dead[0].Reason)
	}

	// The fresh pending signal is still deliverable.
	sig, err := s.NextPendingSignal(ctx, "any", "approval")
	if err != nil || sig == nil || sig.ID != "fresh" {
		t.Errorf("NextPendingSignal() = %v, %v; want fresh", sig, err)
	}
}

func TestDueSchedulesFireExactlyOnce(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	s := NewMemStore()

	_ = s.CreateSchedule(ctx, &flow.Schedule{
		ID: "sch1", WorkflowID: "wf", Rule: "*/5 * * * *",
		NextFireAt: now.Add(-time.Minute), Active: true,
	})
	_ = s.CreateSchedule(ctx, &flow.Schedule{
		ID: "sch2", WorkflowID: "wf", Rule: "*/5 * * * *",
		NextFireAt: now.Add(time.Hour), Active: true,
	})

	nextFire := func(rule string, after time.Time) (time.Time, error) {
		return after.Add(5 * time.Minute), nil
	}

	due, err := s.DueSchedules(ctx, now, 10, nextFire)
	if err != nil || len(due) != 1 || due[0].ID != "sch1" {
		t.Fatalf("DueSchedules() = %v, %v; want sch1 only", due, err)
	}
	// The returned copy carries the pre-advance fire time.
	if !due[0].NextFireAt.Equal(now.Add(-time.Minute)) {
		t.Errorf("returned NextFireAt = %v, want pre-advance", due[0].NextFireAt)
	}

	// Same instant: already advanced, nothing due.
	due, err = s.DueSchedules(ctx, now, 10, nextFire)
	if err != nil || len(due) != 0 {
		t.Fatalf("second DueSchedules() = %v, %v; want none", due, err)
	}

	stored, _ := s.GetSchedule(ctx, "sch1")
	if !stored.NextFireAt.Equal(now.Add(5 * time.Minute)) {
		t.Errorf("stored NextFireAt = %v, want advanced", stored.NextFireAt)
	}
}

func TestDueSchedulesParksUnparseableRule(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	s := NewMemStore()

	_ = s.CreateSchedule(ctx, &flow.Schedule{
		ID: "sch1", WorkflowID: "wf", Rule: "garbage",
		NextFireAt: now.Add(-time.Minute), Active: true,
	})

	nextFire := func(rule string, after time.Time) (time.Time, error) {
		return time.Time{}, errors.New("bad rule")
	}

	due, err := s.DueSchedules(ctx, now, 10, nextFire)
	if err != nil || len(due) != 0 {
		t.Fatalf("DueSchedules() = %v, %v; want none fired", due, err)
	}
	stored, _ := s.GetSchedule(ctx, "sch1")
	if stored.Active {
		t.Error("unparseable schedule still active")
	}
}

func TestListExecutionsFilter(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	s := NewMemStore()

	e1 := testExecution("e1", flow.StatusCompleted, now)
	e2 := testExecution("e2", flow.StatusRunning, now.Add(time.Second))
	e3 := testExecution("e3", flow.StatusRunning, now.Add(2*time.Second))
	e3.WorkflowID = "other"
	e3.ParentExecutionID = "e1"
	mustCreate(t, s, e1)
	mustCreate(t, s, e2)
	mustCreate(t, s, e3)

	byStatus, err := s.ListExecutions(ctx, flow.ExecutionFilter{Status: flow.StatusRunning})
	if err != nil || len(byStatus) != 2 {
		t.Errorf("filter by status = %d, %v; want 2", len(byStatus), err)
	}

	byWorkflow, _ := s.ListExecutions(ctx, flow.ExecutionFilter{WorkflowID: "wf"})
	if len(byWorkflow) != 2 {
		t.Errorf("filter by workflow = %d, want 2", len(byWorkflow))
	}
	// Newest first.
	if len(byWorkflow) == 2 && byWorkflow[0].ID != "e2" {
		t.Errorf("order = %s first, want e2", byWorkflow[0].ID)
	}

	byParent, _ := s.ListExecutions(ctx, flow.ExecutionFilter{ParentID: "e1"})
	if len(byParent) != 1 || byParent[0].ID != "e3" {
		t.Errorf("filter by parent = %v, want e3", byParent)
	}

	limited, _ := s.ListExecutions(ctx, flow.ExecutionFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit = %d, want 1", len(limited))
	}
}

func TestStateCodecRoundTrip(t *testing.T) {
	st := flow.NewExecutionState(map[string]any{"order_id": "ord_1", "amount": 250})
	st.Record(flow.NodeExecutionResult{
		NodeID: "fetch", Status: flow.NodeSuccess,
		Output:    map[string]any{"status_code": 200},
		StartedAt: baseTime, CompletedAt: baseTime,
	})
	st.LoopStack = []flow.LoopFrame{{StartNode: "ls", Index: 2, Max: 5}}
	st.PendingFinally = []string{"audit"}
	st.WaitingSignalType = "approval"
	deadline := baseTime.Add(time.Hour)
	st.Deadline = &deadline

	blob, err := encodeState(st)
	if err != nil {
		t.Fatalf("encodeState() = %v", err)
	}
	got, err := decodeState(blob)
	if err != nil {
		t.Fatalf("decodeState() = %v", err)
	}

	if got.SchemaVersion != stateSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d stamped", got.SchemaVersion, stateSchemaVersion)
	}
	if got.TriggerData["order_id"] != "ord_1" {
		t.Errorf("TriggerData = %v", got.TriggerData)
	}
	if len(got.CompletedNodeIDs) != 1 || got.CompletedNodeIDs[0] != "fetch" {
		t.Errorf("CompletedNodeIDs = %v", got.CompletedNodeIDs)
	}
	if len(got.LoopStack) != 1 || got.LoopStack[0].Index != 2 {
		t.Errorf("LoopStack = %v", got.LoopStack)
	}
	if got.WaitingSignalType != "approval" {
		t.Errorf("WaitingSignalType = %q", got.WaitingSignalType)
	}
	if got.Deadline == nil || !got.Deadline.Equal(deadline) {
		t.Errorf("Deadline = %v, want %v", got.Deadline, deadline)
	}

	t.Run("empty blob yields fresh state", func(t *testing.T) {
		st, err := decodeState(nil)
		if err != nil || st == nil || st.NodeResults == nil {
			t.Errorf("decodeState(nil) = %+v, %v; want fresh state", st, err)
		}
	})

	t.Run("future schema rejected", func(t *testing.T) {
		future := flow.NewExecutionState(nil)
		blob, err := encodeState(future)
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := decodeState(blob)
		if err != nil {
			t.Fatal(err)
		}
		decoded.SchemaVersion = 99
		reblob, err := msgpack.Marshal(decoded)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := decodeState(reblob); err == nil {
			t.Error("decodeState(schema 99) = nil, want error")
		}
	})
}

func TestLogsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	for i, msg := range []string{"first", "second", "third"} {
		err := s.AppendLog(ctx, flow.LogEntry{
			ExecutionID: "e1",
			Level:       flow.LogInfo,
			Message:     msg,
			Timestamp:   baseTime.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendLog() = %v", err)
		}
	}

	logs, err := s.ListLogs(ctx, "e1")
	if err != nil || len(logs) != 3 {
		t.Fatalf("ListLogs() = %d, %v; want 3", len(logs), err)
	}
	if logs[0].Message != "first" || logs[2].Message != "third" {
		t.Errorf("log order = %v, want append order", logs)
	}

	empty, _ := s.ListLogs(ctx, "unknown")
	if len(empty) != 0 {
		t.Errorf("ListLogs(unknown) = %d, want 0", len(empty))
	}
}
