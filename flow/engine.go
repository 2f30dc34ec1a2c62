package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/flowcore-go/flow/emit"
)

// errNoSuccessor is the internal signal that a node has no forward
// edge: the execution ran off the end of the graph and completes.
var errNoSuccessor = errors.New("no successor")

// Engine implements the durable execution operations: creating
// executions, advancing them one step at a time under a store lease,
// and the control plane (pause, resume, terminate, signals, replay).
//
// The engine holds no in-memory execution state. Every step loads the
// execution from the store, performs exactly one node's worth of work,
// and commits the outcome atomically, so any engine instance in any
// process can pick up any execution at any step boundary.
//
// Example usage:
//
//	store := store.NewMemStore()
//	dispatcher := flow.NewDispatcher(30 * time.Second)
//	flow.RegisterBuiltins(dispatcher, flow.Builtins{})
//	engine := flow.NewEngine(store, dispatcher)
//
//	exec, err := engine.CreateExecution(ctx, "order-flow", map[string]any{"order_id": 17})
type Engine struct {
	store      Store
	dispatcher *Dispatcher
	retry      *RetryManager
	opts       Options
}

// NewEngine builds an Engine over a store and dispatcher.
//
// The sub_workflow handler needs the engine to create child executions,
// so the engine registers it on the dispatcher unless the caller
// already bound one.
func NewEngine(st Store, dispatcher *Dispatcher, opts ...Option) *Engine {
	o := buildOptions(opts)
	e := &Engine{
		store:      st,
		dispatcher: dispatcher,
		retry:      NewRetryManager(o.Retry),
		opts:       o,
	}
	if dispatcher != nil && !dispatcher.Handles(KindSubWorkflow) {
		_ = dispatcher.Register(KindSubWorkflow, &subWorkflowHandler{engine: e})
	}
	return e
}

// Store returns the engine's store, for wiring the worker and layers.
func (e *Engine) Store() Store { return e.store }

func (e *Engine) now() time.Time { return e.opts.Clock() }

func (e *Engine) emit(execID string, step int, nodeID, msg string, meta map[string]any) {
	e.opts.Emitter.Emit(emit.Event{
		ExecutionID: execID,
		Step:        step,
		NodeID:      nodeID,
		Msg:         msg,
		Meta:        meta,
	})
}

// CreateWorkflow validates and persists a workflow definition as
// version 1.
func (e *Engine) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return inputErrorf("workflow requires an id")
	}
	if err := wf.Validate(); err != nil {
		return err
	}
	return e.store.CreateWorkflow(ctx, wf)
}

// UpdateWorkflow validates the definition and persists it as a new
// version. Running executions keep the version they started with.
func (e *Engine) UpdateWorkflow(ctx context.Context, wf *Workflow) (*Workflow, error) {
	if wf == nil || wf.ID == "" {
		return nil, inputErrorf("workflow requires an id")
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return e.store.UpdateWorkflow(ctx, wf)
}

// DeactivateWorkflow stops new executions of a workflow. Existing
// executions run to their own conclusion.
func (e *Engine) DeactivateWorkflow(ctx context.Context, id string) error {
	return e.store.DeactivateWorkflow(ctx, id)
}

// CreateExecution starts a durable execution of the workflow's latest
// version with the given trigger data. The execution is persisted in
// running status and picked up by the worker loop; nothing executes
// inline.
func (e *Engine) CreateExecution(ctx context.Context, workflowID string, trigger map[string]any) (*Execution, error) {
	wf, err := e.store.LatestWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Active {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowInactive)
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	exec := NewExecution(wf, trigger, e.now())
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	e.emit(exec.ID, 0, "", "execution_created", map[string]any{
		"workflow_id": wf.ID,
		"version":     wf.Version,
	})
	e.opts.Metrics.RecordExecutionCreated(wf.Trigger.Type)
	return exec, nil
}

// ExecuteStep advances a claimed execution by exactly one unit of work
// and commits the outcome under the caller's lease. One unit means one
// node attempt, one signal delivery, one sub-workflow join, or one
// terminal transition; the worker re-claims for the next unit.
//
// A nil return means the step committed (or was safely discarded, e.g.
// a spurious claim or a terminate that won the race). A non-nil error
// means nothing was committed and the caller should release the lease.
func (e *Engine) ExecuteStep(ctx context.Context, owner string, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return inputErrorf("execution required")
	}
	if exec.State == nil {
		exec.State = NewExecutionState(nil)
	}
	now := e.now()
	st := exec.State

	if exec.Terminal() || exec.Status == StatusPaused {
		return e.store.ReleaseLease(ctx, exec.ID, owner)
	}

	// Workflow deadline wins over everything else at the step boundary.
	if st.Deadline != nil && now.After(*st.Deadline) {
		exec.Status = StatusTerminated
		exec.ErrorMessage = "workflow timeout exceeded"
		exec.CompletedAt = &now
		logs := []LogEntry{e.logEntry(exec.ID, "", LogError, "workflow timeout exceeded", now)}
		if err := e.commitStep(ctx, owner, exec, logs, ""); err != nil {
			return err
		}
		e.emit(exec.ID, st.Steps, "", "execution_terminated", map[string]any{"error": exec.ErrorMessage})
		e.opts.Metrics.RecordExecutionFinished(StatusTerminated)
		return nil
	}

	if exec.Status == StatusWaitingForSignal {
		switch {
		case st.WaitingSignalType != "":
			return e.deliverSignal(ctx, owner, exec, now)
		case st.WaitingChildID != "":
			return e.joinChild(ctx, owner, exec, now)
		default:
			// Waiting with nothing to wait for; resume so the
			// execution cannot wedge.
			exec.Status = StatusRunning
		}
	}

	if exec.Status == StatusFailed {
		if exec.NextRetryAt == nil || now.Before(*exec.NextRetryAt) {
			return e.store.ReleaseLease(ctx, exec.ID, owner)
		}
		exec.Status = StatusRunning
		exec.NextRetryAt = nil
		e.emit(exec.ID, st.Steps, st.CurrentNodeID, "retry_attempt", map[string]any{"retry_count": exec.RetryCount})
	}

	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		return err
	}

	nodeID := st.CurrentNodeID
	if nodeID == "" {
		if len(st.CompletedNodeIDs) == 0 {
			entry, err := wf.Entry()
			if err != nil {
				return e.failExecution(ctx, owner, exec, "", err.Error(), now)
			}
			nodeID = entry.ID
			st.CurrentNodeID = nodeID
		} else if n := len(st.PendingFinally); n > 0 {
			nodeID = st.PendingFinally[n-1]
			st.PendingFinally = st.PendingFinally[:n-1]
			st.CurrentNodeID = nodeID
		} else {
			return e.completeExecution(ctx, owner, exec, now)
		}
	}

	node, ok := wf.Node(nodeID)
	if !ok {
		return e.failExecution(ctx, owner, exec, nodeID, fmt.Sprintf("node %q not in workflow version %d", nodeID, wf.Version), now)
	}

	e.emit(exec.ID, st.Steps+1, node.ID, "step_start", map[string]any{"node_kind": string(node.Kind)})

	res := e.dispatcher.Dispatch(ctx, HandlerRequest{
		ExecutionID: exec.ID,
		Node:        node,
		Config:      node.Config,
		Input:       st.Snapshot(),
	})
	e.opts.Metrics.RecordStep(node.Kind, res.Status, time.Duration(res.DurationMS)*time.Millisecond)

	return e.handleResult(ctx, owner, wf, exec, node, res, now)
}

// deliverSignal resumes a parked execution with the oldest matching
// pending signal. A claim with no matching signal is spurious and just
// releases the lease.
func (e *Engine) deliverSignal(ctx context.Context, owner string, exec *Execution, now time.Time) error {
	st := exec.State
	sig, err := e.store.NextPendingSignal(ctx, exec.ID, st.WaitingSignalType)
	if err != nil {
		return err
	}
	if sig == nil {
		return e.store.ReleaseLease(ctx, exec.ID, owner)
	}

	st.Set("signal_"+sig.Type, sig.Data)
	st.WaitingSignalType = ""
	exec.Status = StatusRunning

	logs := []LogEntry{e.logEntry(exec.ID, st.CurrentNodeID, LogInfo,
		fmt.Sprintf("signal %s delivered", sig.Type), now)}
	if err := e.commitStep(ctx, owner, exec, logs, sig.ID); err != nil {
		return err
	}
	e.emit(exec.ID, st.Steps, st.CurrentNodeID, "signal_delivered", map[string]any{"signal_type": sig.Type})
	return nil
}

// joinChild resumes a parent whose awaited child execution reached a
// terminal status, recording the sub_workflow node result from the
// child's outcome.
func (e *Engine) joinChild(ctx context.Context, owner string, exec *Execution, now time.Time) error {
	st := exec.State
	child, err := e.store.GetExecution(ctx, st.WaitingChildID)
	if err != nil {
		if errors.Is(err, ErrExecutionNotFound) {
			return e.failExecution(ctx, owner, exec, st.CurrentNodeID,
				fmt.Sprintf("child execution %s disappeared", st.WaitingChildID), now)
		}
		return err
	}
	if !child.Terminal() {
		return e.store.ReleaseLease(ctx, exec.ID, owner)
	}

	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		return err
	}
	node, ok := wf.Node(st.CurrentNodeID)
	if !ok {
		return e.failExecution(ctx, owner, exec, st.CurrentNodeID,
			fmt.Sprintf("node %q not in workflow version %d", st.CurrentNodeID, wf.Version), now)
	}

	res := NodeExecutionResult{
		NodeID:      node.ID,
		StartedAt:   now,
		CompletedAt: now,
	}
	switch child.Status {
	case StatusCompleted:
		res.Status = NodeSuccess
		res.Output = map[string]any{
			"sub_execution_id": child.ID,
			"output":           child.State.ExecutionData,
		}
	default:
		res.Status = NodeFailed
		res.Permanent = true // the child already exhausted its own retries
		res.Error = fmt.Sprintf("child execution %s %s: %s", child.ID, child.Status, child.ErrorMessage)
	}

	st.WaitingChildID = ""
	exec.Status = StatusRunning
	e.emit(exec.ID, st.Steps, node.ID, "child_joined", map[string]any{
		"child_id": child.ID,
		"status":   string(child.Status),
	})
	return e.handleResult(ctx, owner, wf, exec, node, res, now)
}

// handleResult applies one node attempt's outcome: failure routing
// (catch, retry, terminal failure) or success routing (park, loops,
// parallel groups, forward edges) and commits the step.
func (e *Engine) handleResult(ctx context.Context, owner string, wf *Workflow, exec *Execution, node NodeDef, res NodeExecutionResult, now time.Time) error {
	st := exec.State

	if res.Status == NodeFailed {
		return e.handleFailure(ctx, owner, wf, exec, node, res, now)
	}

	switch node.Kind {
	case KindWaitSignal:
		return e.parkForSignal(ctx, owner, wf, exec, node, res, now)
	case KindSubWorkflow:
		if waiting, _ := res.Output["waiting"].(bool); waiting {
			return e.parkForChild(ctx, owner, exec, node, res, now)
		}
	case KindLoopStart:
		e.enterLoop(st, node)
	case KindLoopEnd:
		return e.routeLoopEnd(ctx, owner, exec, node, res, now)
	}

	// A node with grouped outgoing edges is a parallel fan-out: its
	// members run concurrently inside this same step and the join
	// result decides the route forward.
	if groups := wf.GroupEdges(node.ID); len(groups) > 0 {
		st.Record(res)
		return e.runParallelGroups(ctx, owner, wf, exec, node, groups, now)
	}

	st.Record(res)
	return e.routeForward(ctx, owner, wf, exec, node, res, now)
}

// routeForward computes the next node from a successful result and
// commits the step. Finally edges on the departed node are queued.
func (e *Engine) routeForward(ctx context.Context, owner string, wf *Workflow, exec *Execution, node NodeDef, res NodeExecutionResult, now time.Time) error {
	st := exec.State
	e.queueFinally(st, wf, node)

	next, err := e.nextNode(wf, node, res.Branch)
	switch {
	case err == nil:
		st.CurrentNodeID = next
	case errors.Is(err, errNoSuccessor):
		st.CurrentNodeID = ""
	default:
		return e.failExecution(ctx, owner, exec, node.ID,
			fmt.Sprintf("route after node %q (branch %q): %v", node.ID, res.Branch, err), now)
	}

	logs := []LogEntry{e.logEntry(exec.ID, node.ID, LogInfo,
		fmt.Sprintf("node %s completed in %dms", node.ID, res.DurationMS), now)}
	if err := e.commitStep(ctx, owner, exec, logs, ""); err != nil {
		return err
	}
	e.emit(exec.ID, st.Steps, node.ID, "step_end", map[string]any{
		"node_kind":   string(node.Kind),
		"duration_ms": res.DurationMS,
		"next":        st.CurrentNodeID,
	})
	return nil
}

// handleFailure records the failed attempt, then routes: a catch edge
// wins, otherwise a retry is scheduled, otherwise the execution fails.
func (e *Engine) handleFailure(ctx context.Context, owner string, wf *Workflow, exec *Execution, node NodeDef, res NodeExecutionResult, now time.Time) error {
	st := exec.State
	st.Record(res)

	for _, edge := range wf.Outgoing(node.ID) {
		if edge.Branch != BranchCatch {
			continue
		}
		st.Set("error", map[string]any{
			"node":    node.ID,
			"message": res.Error,
		})
		e.queueFinally(st, wf, node)
		st.CurrentNodeID = edge.To

		logs := []LogEntry{e.logEntry(exec.ID, node.ID, LogWarn,
			fmt.Sprintf("node %s failed, routing to catch handler %s: %s", node.ID, edge.To, res.Error), now)}
		if err := e.commitStep(ctx, owner, exec, logs, ""); err != nil {
			return err
		}
		e.emit(exec.ID, st.Steps, node.ID, "catch_routed", map[string]any{"error": res.Error, "next": edge.To})
		return nil
	}

	if !res.Permanent && e.retry.ShouldRetry(exec.RetryCount) {
		exec.RetryCount++
		retryAt := e.retry.NextRetryAt(exec.RetryCount, now)
		exec.Status = StatusFailed
		exec.NextRetryAt = &retryAt
		exec.ErrorMessage = res.Error

		logs := []LogEntry{e.logEntry(exec.ID, node.ID, LogWarn,
			fmt.Sprintf("node %s failed (attempt %d), retry at %s: %s",
				node.ID, exec.RetryCount, retryAt.Format(time.RFC3339), res.Error), now)}
		if err := e.commitStep(ctx, owner, exec, logs, ""); err != nil {
			return err
		}
		e.emit(exec.ID, st.Steps, node.ID, "retry_scheduled", map[string]any{
			"error":       res.Error,
			"retry_count": exec.RetryCount,
			"retry_at":    retryAt,
		})
		e.opts.Metrics.RecordRetryScheduled()
		return nil
	}

	reason := res.Error
	if res.Permanent {
		reason = "permanent failure: " + reason
	} else {
		reason = fmt.Sprintf("retries exhausted after %d attempts: %s", exec.RetryCount+1, reason)
	}
	return e.failExecution(ctx, owner, exec, node.ID, reason, now)
}

// parkForSignal completes a wait_signal node, pre-routes to its
// successor, and parks the execution until the signal arrives.
func (e *Engine) parkForSignal(ctx context.Context, owner string, wf *Workflow, exec *Execution, node NodeDef, res NodeExecutionResult, now time.Time) error {
	st := exec.State
	st.Record(res)
	e.queueFinally(st, wf, node)

	next, err := e.nextNode(wf, node, "")
	switch {
	case err == nil:
		st.CurrentNodeID = next
	case errors.Is(err, errNoSuccessor):
		st.CurrentNodeID = ""
	default:
		return e.failExecution(ctx, owner, exec, node.ID,
			fmt.Sprintf("route after wait node %q: %v", node.ID, err), now)
	}

	sigType := node.ConfigString("signal_type")
	st.WaitingSignalType = sigType
	exec.Status = StatusWaitingForSignal

	logs := []LogEntry{e.logEntry(exec.ID, node.ID, LogInfo,
		fmt.Sprintf("waiting for signal %s", sigType), now)}
	if err := e.commitStep(ctx, owner, exec, logs, ""); err != nil {
		return err
	}
	e.emit(exec.ID, st.Steps, node.ID, "parked_for_signal", map[string]any{"signal_type": sigType})
	return nil
}

// parkForChild parks the execution on its freshly created child. The
// sub_workflow node's result is recorded later, when the child joins.
func (e *Engine) parkForChild(ctx context.Context, owner string, exec *Execution, node NodeDef, res NodeExecutionResult, now time.Time) error {
	st := exec.State
	childID, _ := res.Output["sub_execution_id"].(string)
	if childID == "" {
		return e.failExecution(ctx, owner, exec, node.ID, "sub_workflow handler returned no child id", now)
	}

	if st.SubWorkflows == nil {
		st.SubWorkflows = make(map[string]SubWorkflowLink)
	}
	st.SubWorkflows[node.ID] = SubWorkflowLink{ChildID: childID, Wait: true}
	st.WaitingChildID = childID
	exec.Status = StatusWaitingForSignal

	logs := []LogEntry{e.logEntry(exec.ID, node.ID, LogInfo,
		fmt.Sprintf("waiting for child execution %s", childID), now)}
	if err := e.commitStep(ctx, owner, exec, logs, ""); err != nil {
		return err
	}
	e.emit(exec.ID, st.Steps, node.ID, "parked_for_child", map[string]any{"child_id": childID})
	return nil
}

// enterLoop pushes a loop frame on first entry. Re-entry from loop_end
// finds the frame already on the stack.
func (e *Engine) enterLoop(st *ExecutionState, node NodeDef) {
	for i := len(st.LoopStack) - 1; i >= 0; i-- {
		if st.LoopStack[i].StartNode == node.ID {
			return
		}
	}
	maxIter := node.ConfigInt("max_iterations", 100)
	if maxIter < 1 {
		maxIter = 1
	}
	st.LoopStack = append(st.LoopStack, LoopFrame{StartNode: node.ID, Index: 0, Max: maxIter})
}

// routeLoopEnd advances the loop counter and routes: "loop" back to
// the body, "done" out of it. Explicit loop_break in the execution
// data short-circuits the bound.
func (e *Engine) routeLoopEnd(ctx context.Context, owner string, exec *Execution, node NodeDef, res NodeExecutionResult, now time.Time) error {
	st := exec.State

	// Check for a break before recording the loop_end marker, so the
	// body's output is still the latest completed result.
	breakFlag := loopBreakRequested(st)
	st.Record(res)

	startID := node.ConfigString("start")
	frameIdx := -1
	for i := len(st.LoopStack) - 1; i >= 0; i-- {
		if st.LoopStack[i].StartNode == startID {
			frameIdx = i
			break
		}
	}
	if frameIdx < 0 {
		return e.failExecution(ctx, owner, exec, node.ID,
			fmt.Sprintf("loop_end %q has no active loop frame for %q", node.ID, startID), now)
	}

	st.LoopStack[frameIdx].Index++
	frame := st.LoopStack[frameIdx]

	exit := breakFlag || frame.Index >= frame.Max

	branch := BranchLoop
	if exit {
		branch = BranchDone
		delete(st.ExecutionData, "loop_break")
		st.LoopStack = append(st.LoopStack[:frameIdx], st.LoopStack[frameIdx+1:]...)
	}

	var target string
	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		return err
	}
	for _, edge := range wf.Outgoing(node.ID) {
		if edge.Branch == branch {
			target = edge.To
			break
		}
	}
	if target == "" {
		return e.failExecution(ctx, owner, exec, node.ID,
			fmt.Sprintf("loop_end %q has no %q edge", node.ID, branch), now)
	}
	st.CurrentNodeID = target
	st.Set("loop_index_"+startID, frame.Index)

	logs := []LogEntry{e.logEntry(exec.ID, node.ID, LogInfo,
		fmt.Sprintf("loop %s iteration %d/%d -> %s", startID, frame.Index, frame.Max, branch), now)}
	if err := e.commitStep(ctx, owner, exec, logs, ""); err != nil {
		return err
	}
	e.emit(exec.ID, st.Steps, node.ID, "loop_routed", map[string]any{
		"iteration": frame.Index,
		"branch":    branch,
	})
	return nil
}

// loopBreakRequested reports whether the iteration asked to leave the
// loop early: a truthy "loop_break" in the execution data, in the last
// completed node's output, or in that output's structured "result".
func loopBreakRequested(st *ExecutionState) bool {
	if truthy(st.ExecutionData["loop_break"]) {
		return true
	}
	if n := len(st.CompletedNodeIDs); n > 0 {
		if last, ok := st.LastResult(st.CompletedNodeIDs[n-1]); ok && last.Output != nil {
			if truthy(last.Output["loop_break"]) {
				return true
			}
			if result, ok := last.Output["result"].(map[string]any); ok && truthy(result["loop_break"]) {
				return true
			}
		}
	}
	return false
}

// runParallelGroups executes the node's fan-out group inside this
// step: members run concurrently, bounded by MaxParallel, and the
// join's wait mode decides the group outcome. The join node completes
// in the same step and routing continues from it. Validation admits at
// most one group per node, so the forward route is the single join's.
func (e *Engine) runParallelGroups(ctx context.Context, owner string, wf *Workflow, exec *Execution, node NodeDef, groups map[string][]EdgeDef, now time.Time) error {
	st := exec.State
	var logs []LogEntry
	var joinNode NodeDef
	var joinRes NodeExecutionResult

	for groupID, edges := range groups {
		join, res, memberResults, err := e.runGroup(ctx, wf, exec, groupID, edges)
		if err != nil {
			return e.failExecution(ctx, owner, exec, node.ID, err.Error(), now)
		}
		for _, mr := range memberResults {
			st.Record(mr)
			logs = append(logs, e.logEntry(exec.ID, mr.NodeID, LogInfo,
				fmt.Sprintf("parallel member %s: %s", mr.NodeID, mr.Status), now))
		}

		if group, ok := st.ParallelGroups[groupID]; ok {
			group.Done = res.Status == NodeSuccess
		}

		if res.Status == NodeFailed {
			// The join failure follows the normal failure path; a
			// retry re-runs the fan-out from the origin node.
			st.CurrentNodeID = node.ID
			return e.handleFailure(ctx, owner, wf, exec, join, res, now)
		}
		st.Record(res)
		st.Set(groupID, res.Output)
		joinNode = join
		joinRes = res
	}

	e.queueFinally(st, wf, node)

	next, err := e.nextNode(wf, joinNode, "")
	switch {
	case err == nil:
		st.CurrentNodeID = next
	case errors.Is(err, errNoSuccessor):
		st.CurrentNodeID = ""
	default:
		return e.failExecution(ctx, owner, exec, joinNode.ID,
			fmt.Sprintf("route after join %q: %v", joinNode.ID, err), now)
	}

	logs = append(logs, e.logEntry(exec.ID, joinNode.ID, LogInfo,
		fmt.Sprintf("parallel join %s completed", joinNode.ID), now))
	if err := e.commitStep(ctx, owner, exec, logs, ""); err != nil {
		return err
	}
	e.emit(exec.ID, st.Steps, joinNode.ID, "parallel_joined", map[string]any{
		"mode":    string(joinRes.Output["mode"].(WaitMode)),
		"members": len(joinRes.Output["results"].(map[string]any)),
	})
	return nil
}

// runGroup runs one fan-out group's members concurrently and builds
// the synthetic join result.
func (e *Engine) runGroup(ctx context.Context, wf *Workflow, exec *Execution, groupID string, edges []EdgeDef) (NodeDef, NodeExecutionResult, []NodeExecutionResult, error) {
	st := exec.State

	members := make([]NodeDef, 0, len(edges))
	for _, edge := range edges {
		member, ok := wf.Node(edge.To)
		if !ok {
			return NodeDef{}, NodeExecutionResult{}, nil, fmt.Errorf("parallel group %q references unknown node %q", groupID, edge.To)
		}
		members = append(members, member)
	}

	memberOut := wf.Outgoing(members[0].ID)
	if len(memberOut) != 1 {
		return NodeDef{}, NodeExecutionResult{}, nil, fmt.Errorf("parallel group %q member %q has no join edge", groupID, members[0].ID)
	}
	join, ok := wf.Node(memberOut[0].To)
	if !ok {
		return NodeDef{}, NodeExecutionResult{}, nil, fmt.Errorf("parallel group %q join node %q missing", groupID, memberOut[0].To)
	}

	mode := WaitMode(join.ConfigString("wait_mode"))
	if mode == "" {
		mode = WaitAll
	}
	needed := len(members)
	switch mode {
	case WaitAny:
		needed = 1
	case WaitN:
		needed = join.ConfigInt("required", 1)
		if needed > len(members) {
			needed = len(members)
		}
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	snapshot := st.Snapshot()
	sem := make(chan struct{}, e.opts.MaxParallel)
	type memberResult struct {
		idx int
		res NodeExecutionResult
	}
	out := make(chan memberResult, len(members))

	var wg sync.WaitGroup
	for i, member := range members {
		wg.Add(1)
		go func(idx int, member NodeDef) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			res := e.dispatcher.Dispatch(groupCtx, HandlerRequest{
				ExecutionID: exec.ID,
				Node:        member,
				Config:      member.Config,
				Input:       snapshot,
			})
			out <- memberResult{idx: idx, res: res}
		}(i, member)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	results := make([]NodeExecutionResult, len(members))
	successes := 0
	permanentFailures := 0
	quotaMet := false
	for mr := range out {
		res := mr.res
		if res.Status == NodeSuccess {
			successes++
			if successes >= needed && !quotaMet {
				quotaMet = true
				// Remaining members are surplus; cancel them and
				// record whatever they return as skipped.
				cancel()
			}
		} else if quotaMet {
			res.Status = NodeSkipped
			res.Error = ""
		} else if res.Permanent {
			permanentFailures++
		}
		results[mr.idx] = res
		e.opts.Metrics.RecordStep(members[mr.idx].Kind, res.Status, time.Duration(res.DurationMS)*time.Millisecond)
	}

	memberOutputs := make(map[string]any, len(members))
	var failed, skipped []string
	for i, res := range results {
		switch res.Status {
		case NodeSuccess:
			memberOutputs[members[i].ID] = res.Output
		case NodeSkipped:
			skipped = append(skipped, members[i].ID)
		default:
			failed = append(failed, members[i].ID)
		}
	}

	if st.ParallelGroups == nil {
		st.ParallelGroups = make(map[string]*ParallelGroup)
	}
	memberIDs := make([]string, len(members))
	for i, m := range members {
		memberIDs[i] = m.ID
	}
	st.ParallelGroups[groupID] = &ParallelGroup{
		ID:       groupID,
		Members:  memberIDs,
		WaitMode: mode,
		Required: needed,
		JoinNode: join.ID,
	}

	nowJoin := e.now()
	joinRes := NodeExecutionResult{
		NodeID:      join.ID,
		StartedAt:   nowJoin,
		CompletedAt: nowJoin,
		Output: map[string]any{
			"mode":    mode,
			"results": memberOutputs,
			"failed":  failed,
			"skipped": skipped,
		},
	}
	if successes >= needed {
		joinRes.Status = NodeSuccess
	} else {
		joinRes.Status = NodeFailed
		joinRes.Error = fmt.Sprintf("parallel group %q: %d/%d members succeeded (mode %s), failed: %v",
			groupID, successes, len(members), mode, failed)
		// Unreachable quota means retrying cannot help.
		joinRes.Permanent = permanentFailures > len(members)-needed
	}
	return join, joinRes, results, nil
}

// queueFinally pushes the node's finally target, if any, for LIFO
// execution before the run completes.
func (e *Engine) queueFinally(st *ExecutionState, wf *Workflow, node NodeDef) {
	for _, edge := range wf.Outgoing(node.ID) {
		if edge.Branch == BranchFinally {
			st.PendingFinally = append(st.PendingFinally, edge.To)
		}
	}
}

// nextNode resolves the forward edge from a node given the branch its
// result produced. Catch, finally, loop, and group edges never route
// forward here.
func (e *Engine) nextNode(wf *Workflow, node NodeDef, branch string) (string, error) {
	edges := wf.Outgoing(node.ID)

	if branch != "" {
		for _, edge := range edges {
			if edge.Branch == branch {
				return edge.To, nil
			}
		}
		for _, edge := range edges {
			if edge.Branch == BranchDefault {
				return edge.To, nil
			}
		}
		return "", fmt.Errorf("branch %q from node %q: %w", branch, node.ID, ErrNoMatchingBranch)
	}

	var candidates []string
	for _, edge := range edges {
		if edge.Group != "" || edge.Branch != "" {
			continue
		}
		candidates = append(candidates, edge.To)
	}
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		for _, edge := range edges {
			if edge.Branch == BranchDefault {
				return edge.To, nil
			}
		}
		switch node.Kind {
		case KindCondition, KindValueSwitch, KindExprSwitch:
			return "", fmt.Errorf("node %q produced no branch and has no default edge: %w", node.ID, ErrNoMatchingBranch)
		}
		return "", errNoSuccessor
	default:
		return "", fmt.Errorf("node %q: %w", node.ID, ErrAmbiguousEdge)
	}
}

// completeExecution commits the terminal completed status.
func (e *Engine) completeExecution(ctx context.Context, owner string, exec *Execution, now time.Time) error {
	exec.Status = StatusCompleted
	exec.CompletedAt = &now
	exec.ErrorMessage = ""

	logs := []LogEntry{e.logEntry(exec.ID, "", LogInfo, "execution completed", now)}
	if err := e.commitStep(ctx, owner, exec, logs, ""); err != nil {
		return err
	}
	e.emit(exec.ID, exec.State.Steps, "", "execution_completed", map[string]any{
		"nodes": len(exec.State.CompletedNodeIDs),
	})
	e.opts.Metrics.RecordExecutionFinished(StatusCompleted)
	return nil
}

// failExecution commits the terminal failed status with no retry
// scheduled.
func (e *Engine) failExecution(ctx context.Context, owner string, exec *Execution, nodeID, reason string, now time.Time) error {
	exec.Status = StatusFailed
	exec.NextRetryAt = nil
	exec.ErrorMessage = reason
	exec.CompletedAt = &now

	logs := []LogEntry{e.logEntry(exec.ID, nodeID, LogError, reason, now)}
	if err := e.commitStep(ctx, owner, exec, logs, ""); err != nil {
		return err
	}
	e.emit(exec.ID, exec.State.Steps, nodeID, "execution_failed", map[string]any{"error": reason})
	e.opts.Metrics.RecordExecutionFinished(StatusFailed)
	return nil
}

// commitStep counts the step and applies it through the store in one
// atomic unit.
func (e *Engine) commitStep(ctx context.Context, owner string, exec *Execution, logs []LogEntry, processedSignalID string) error {
	if exec.State != nil {
		exec.State.Steps++
	}
	return e.store.CommitStep(ctx, owner, exec, logs, processedSignalID)
}

func (e *Engine) logEntry(execID, nodeID, level, msg string, now time.Time) LogEntry {
	return LogEntry{
		ExecutionID: execID,
		NodeID:      nodeID,
		Level:       level,
		Message:     msg,
		Timestamp:   now,
	}
}

// controlRetries bounds the re-read loop when a control-plane write
// loses a race with a worker commit. Contention is a single in-flight
// step, so one retry almost always suffices.
const controlRetries = 5

// controlUpdate runs a read-modify-write against the store, retrying
// with a fresh read whenever the row advanced past the snapshot. apply
// mutates the execution in place or rejects the transition.
func (e *Engine) controlUpdate(ctx context.Context, executionID string, apply func(*Execution) error) (*Execution, error) {
	var lastErr error
	for attempt := 0; attempt < controlRetries; attempt++ {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if err := apply(exec); err != nil {
			return nil, err
		}
		lastErr = e.store.UpdateExecution(ctx, exec)
		if lastErr == nil {
			return exec, nil
		}
		if !errors.Is(lastErr, ErrStaleExecution) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// Pause suspends a running execution at its next step boundary. An
// in-flight step commits normally; the worker simply stops claiming
// the execution until it is resumed.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	exec, err := e.controlUpdate(ctx, executionID, func(exec *Execution) error {
		if exec.Status != StatusRunning {
			return fmt.Errorf("pause from %s: %w", exec.Status, ErrInvalidTransition)
		}
		exec.Status = StatusPaused
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(exec.ID, exec.State.Steps, "", "execution_paused", nil)
	return nil
}

// Resume returns a paused or waiting execution to running. Resuming a
// waiting execution abandons the wait: the pending signal or child
// result is no longer delivered and the graph continues from the
// already-routed next node.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	exec, err := e.controlUpdate(ctx, executionID, func(exec *Execution) error {
		if exec.Status != StatusPaused && exec.Status != StatusWaitingForSignal {
			return fmt.Errorf("resume from %s: %w", exec.Status, ErrInvalidTransition)
		}
		exec.Status = StatusRunning
		exec.State.WaitingSignalType = ""
		exec.State.WaitingChildID = ""
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(exec.ID, exec.State.Steps, "", "execution_resumed", nil)
	return nil
}

// Terminate force-stops an execution from any non-terminal status. A
// step in flight when the terminate lands is discarded at commit: the
// store keeps the terminal row and drops the stale write.
func (e *Engine) Terminate(ctx context.Context, executionID, reason string) error {
	exec, err := e.controlUpdate(ctx, executionID, func(exec *Execution) error {
		if exec.Terminal() {
			return fmt.Errorf("terminate from %s: %w", exec.Status, ErrInvalidTransition)
		}
		now := e.now()
		exec.Status = StatusTerminated
		exec.CompletedAt = &now
		if reason != "" {
			exec.ErrorMessage = reason
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(exec.ID, exec.State.Steps, "", "execution_terminated", map[string]any{"error": reason})
	e.opts.Metrics.RecordExecutionFinished(StatusTerminated)
	return nil
}

// WaitForSignal parks a running execution until a signal of the given
// type arrives. Most workflows park through a wait_signal node; this
// operation serves callers driving executions programmatically.
func (e *Engine) WaitForSignal(ctx context.Context, executionID, signalType string) error {
	if signalType == "" {
		return inputErrorf("signal type required")
	}
	exec, err := e.controlUpdate(ctx, executionID, func(exec *Execution) error {
		if exec.Status != StatusRunning {
			return fmt.Errorf("wait from %s: %w", exec.Status, ErrInvalidTransition)
		}
		exec.Status = StatusWaitingForSignal
		exec.State.WaitingSignalType = signalType
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(exec.ID, exec.State.Steps, "", "parked_for_signal", map[string]any{"signal_type": signalType})
	return nil
}

// ProcessSignal records a signal routed to one execution. When that
// execution is parked waiting for this type, the signal is delivered
// immediately; otherwise it stays pending until the execution reaches
// its wait node, surviving restarts in between.
func (e *Engine) ProcessSignal(ctx context.Context, executionID, signalType string, data map[string]any) (*Signal, error) {
	if signalType == "" {
		return nil, inputErrorf("signal type required")
	}
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Terminal() {
		return nil, fmt.Errorf("signal %s to %s execution: %w", signalType, exec.Status, ErrTerminalExecution)
	}

	sig := &Signal{
		ID:          NewID("sig"),
		ExecutionID: executionID,
		Type:        signalType,
		Data:        data,
		ReceivedAt:  e.now(),
	}
	if err := e.store.AppendSignal(ctx, sig); err != nil {
		return nil, err
	}
	e.opts.Metrics.RecordSignal(true)

	for attempt := 0; attempt < controlRetries; attempt++ {
		if exec.Status != StatusWaitingForSignal || exec.State.WaitingSignalType != signalType {
			// Not parked for this type; the signal stays pending for a
			// later wait or a worker wake.
			break
		}
		exec.State.Set("signal_"+signalType, data)
		exec.State.WaitingSignalType = ""
		exec.Status = StatusRunning
		logs := []LogEntry{e.logEntry(exec.ID, exec.State.CurrentNodeID, LogInfo,
			fmt.Sprintf("signal %s delivered", signalType), e.now())}
		err := e.commitStep(ctx, "", exec, logs, sig.ID)
		if err == nil {
			e.emit(exec.ID, exec.State.Steps, exec.State.CurrentNodeID, "signal_delivered",
				map[string]any{"signal_type": signalType})
			break
		}
		if !errors.Is(err, ErrStaleExecution) {
			return nil, err
		}
		// A worker commit landed between the read and the delivery;
		// re-read and decide again off the fresh row.
		if exec, err = e.store.GetExecution(ctx, executionID); err != nil {
			return nil, err
		}
	}
	return sig, nil
}

// ReplayExecution creates a fresh execution from a terminal one,
// pinned to the same workflow version.
//
// With fromNodeID empty the replay starts from the entry node with the
// original trigger data and nothing else. With fromNodeID set, results
// of nodes completed before that node are copied over and execution
// resumes at it, so an expensive prefix is not re-run.
func (e *Engine) ReplayExecution(ctx context.Context, sourceID, fromNodeID string) (*Execution, error) {
	src, err := e.store.GetExecution(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if !src.Terminal() {
		return nil, fmt.Errorf("replay of %s execution: %w", src.Status, ErrInvalidTransition)
	}
	wf, err := e.store.GetWorkflow(ctx, src.WorkflowID, src.WorkflowVersion)
	if err != nil {
		return nil, err
	}

	state := NewExecutionState(src.State.TriggerData)
	if fromNodeID != "" {
		if _, ok := wf.Node(fromNodeID); !ok {
			return nil, inputErrorf("replay node %q not in workflow version %d", fromNodeID, wf.Version)
		}
		// Copy the successful prefix in completed order, one recorded
		// attempt per completion so loop iterations copy faithfully.
		taken := make(map[string]int)
		for _, nid := range src.State.CompletedNodeIDs {
			if nid == fromNodeID {
				break
			}
			idx := taken[nid]
			for _, res := range src.State.NodeResults[nid] {
				if res.Status != NodeSuccess {
					continue
				}
				if idx == 0 {
					state.Record(res)
					break
				}
				idx--
			}
			taken[nid]++
		}
		state.CurrentNodeID = fromNodeID
	}

	now := e.now()
	replay := &Execution{
		ID:              NewID("exe"),
		WorkflowID:      src.WorkflowID,
		WorkflowVersion: src.WorkflowVersion,
		Status:          StatusRunning,
		StartedAt:       now,
		State:           state,
	}
	if wf.TimeoutSeconds > 0 {
		deadline := now.Add(time.Duration(wf.TimeoutSeconds) * time.Second)
		state.Deadline = &deadline
	}
	if err := e.store.CreateExecution(ctx, replay); err != nil {
		return nil, err
	}

	e.emit(replay.ID, 0, fromNodeID, "execution_replayed", map[string]any{
		"source": sourceID,
	})
	e.opts.Metrics.RecordExecutionCreated("replay")
	return replay, nil
}

// subWorkflowHandler starts child executions for sub_workflow nodes.
//
// Config: "workflow_id" (required), "wait_for_completion" (default
// true), and optional "input" passed as the child's trigger data
// (default: the parent's execution data snapshot).
type subWorkflowHandler struct {
	engine *Engine
}

// Execute implements Handler.
func (h *subWorkflowHandler) Execute(ctx context.Context, req HandlerRequest) NodeExecutionResult {
	workflowID, _ := req.Config["workflow_id"].(string)
	if workflowID == "" {
		return NodeExecutionResult{Status: NodeFailed, Error: "sub_workflow node missing config workflow_id", Permanent: true}
	}

	trigger := req.Input
	if configured, ok := req.Config["input"].(map[string]any); ok {
		trigger = configured
	}

	child, err := h.engine.createChildExecution(ctx, workflowID, trigger, req.ExecutionID, req.Node.ID)
	if err != nil {
		permanent := errors.Is(err, ErrWorkflowNotFound) || errors.Is(err, ErrWorkflowInactive)
		return NodeExecutionResult{
			Status:    NodeFailed,
			Error:     fmt.Sprintf("start sub-workflow %s: %v", workflowID, err),
			Permanent: permanent,
		}
	}

	wait := req.Node.ConfigBool("wait_for_completion", true)
	return NodeExecutionResult{
		Status: NodeSuccess,
		Output: map[string]any{
			"sub_execution_id": child.ID,
			"waiting":          wait,
		},
	}
}

// createChildExecution is CreateExecution plus the parent link.
func (e *Engine) createChildExecution(ctx context.Context, workflowID string, trigger map[string]any, parentID, parentNode string) (*Execution, error) {
	wf, err := e.store.LatestWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Active {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowInactive)
	}

	child := NewExecution(wf, trigger, e.now())
	child.ParentExecutionID = parentID
	child.ParentNodeID = parentNode
	if err := e.store.CreateExecution(ctx, child); err != nil {
		return nil, err
	}
	e.emit(child.ID, 0, "", "execution_created", map[string]any{
		"workflow_id": wf.ID,
		"version":     wf.Version,
		"parent":      parentID,
	})
	e.opts.Metrics.RecordExecutionCreated("sub_workflow")
	return child, nil
}
