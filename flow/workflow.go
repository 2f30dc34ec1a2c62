// Package flow implements a durable workflow orchestration core:
// declarative workflow graphs compiled into persistent executions that
// survive process restarts, advanced one node at a time by leased
// workers, with retries, signals, schedules, parallel fan-in, and
// sub-workflows.
//
// The central pieces:
//   - Workflow: a versioned, validated node/edge graph definition
//   - Execution: a durable run of one workflow version
//   - Store: persistence contract (memory, SQLite, MySQL in flow/store)
//   - Engine: create/step/pause/resume/terminate/signal/replay operations
//   - Dispatcher: NodeKind to Handler routing with timeout and panic capture
//   - Worker: the poll-claim-step loop that drives executions forward
//
// Handlers perform the actual side effects (HTTP calls, code runs, LLM
// calls); the engine owns all state transitions and never lets handler
// errors escape a step.
package flow

import (
	"fmt"
	"time"
)

// NodeKind identifies the behavior of a node. The set is closed: unknown
// kinds fail workflow validation, never at runtime.
type NodeKind string

// Recognized node kinds.
const (
	// KindTrigger is the entry node; it passes trigger data through.
	KindTrigger NodeKind = "trigger"

	// KindHTTPRequest performs an outbound HTTP call.
	KindHTTPRequest NodeKind = "http_request"

	// KindCode runs user code through the configured CodeRunner.
	KindCode NodeKind = "code"

	// KindCondition evaluates a boolean expression and routes on the
	// "true"/"false" branch labels.
	KindCondition NodeKind = "condition"

	// KindValueSwitch routes on the string value found at a dot-path in
	// the execution data.
	KindValueSwitch NodeKind = "value_switch"

	// KindExprSwitch routes on the first truthy expression in an ordered
	// case list.
	KindExprSwitch NodeKind = "expr_switch"

	// KindConnector invokes a third-party integration action with
	// credentials resolved through the CredentialProvider.
	KindConnector NodeKind = "connector"

	// KindAgent calls a chat model (flow/model) with a prompt template.
	KindAgent NodeKind = "agent"

	// KindSubWorkflow starts a child execution, optionally waiting for
	// its terminal status.
	KindSubWorkflow NodeKind = "sub_workflow"

	// KindParallelJoin collects the results of a parallel group
	// according to its wait mode.
	KindParallelJoin NodeKind = "parallel_join"

	// KindWaitSignal parks the execution until a matching signal
	// arrives.
	KindWaitSignal NodeKind = "wait_signal"

	// KindLoopStart marks the head of a bounded loop body.
	KindLoopStart NodeKind = "loop_start"

	// KindLoopEnd closes a loop body; it routes back on the "loop"
	// branch or exits on "done".
	KindLoopEnd NodeKind = "loop_end"
)

var knownKinds = map[NodeKind]bool{
	KindTrigger:      true,
	KindHTTPRequest:  true,
	KindCode:         true,
	KindCondition:    true,
	KindValueSwitch:  true,
	KindExprSwitch:   true,
	KindConnector:    true,
	KindAgent:        true,
	KindSubWorkflow:  true,
	KindParallelJoin: true,
	KindWaitSignal:   true,
	KindLoopStart:    true,
	KindLoopEnd:      true,
}

// Branch labels with routing semantics beyond plain case labels.
const (
	// BranchTrue and BranchFalse route condition nodes.
	BranchTrue  = "true"
	BranchFalse = "false"

	// BranchDefault matches when no labeled edge matched the produced
	// branch.
	BranchDefault = "default"

	// BranchCatch routes a failed node to an error handler, skipping
	// retry scheduling.
	BranchCatch = "catch"

	// BranchFinally registers a target that runs before the execution
	// completes, whether the guarded node succeeded or was caught.
	BranchFinally = "finally"

	// BranchLoop re-enters a loop body from its loop_end node.
	BranchLoop = "loop"

	// BranchDone exits a loop from its loop_end node.
	BranchDone = "done"
)

// WaitMode controls how a parallel_join node treats its group members.
type WaitMode string

// Parallel join wait modes.
const (
	// WaitAll succeeds only when every member succeeded.
	WaitAll WaitMode = "all"

	// WaitAny succeeds on the first member success; the rest are
	// recorded as skipped.
	WaitAny WaitMode = "any"

	// WaitN succeeds once config "required" members succeeded.
	WaitN WaitMode = "n_of_m"
)

// Trigger types for workflow definitions.
const (
	TriggerManual   = "manual"
	TriggerWebhook  = "webhook"
	TriggerSchedule = "schedule"
)

// NodeDef declares one node of a workflow graph.
//
// Config is kind-specific; see the handler for each kind. The common key
// "timeout_seconds" overrides the deployment default node timeout.
// X and Y are canvas coordinates kept for round-tripping editors; the
// engine ignores them.
type NodeDef struct {
	ID     string         `json:"id"`
	Kind   NodeKind       `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
	X      float64        `json:"x,omitempty"`
	Y      float64        `json:"y,omitempty"`
}

// ConfigString returns the string value at key, or "" when absent or not
// a string.
func (n NodeDef) ConfigString(key string) string {
	if n.Config == nil {
		return ""
	}
	s, _ := n.Config[key].(string)
	return s
}

// ConfigInt returns the integer value at key, tolerating the numeric
// types JSON and MessagePack decoding produce. Returns def when absent
// or not numeric.
func (n NodeDef) ConfigInt(key string, def int) int {
	if n.Config == nil {
		return def
	}
	switch v := n.Config[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	default:
		return def
	}
}

// ConfigBool returns the boolean value at key, or def when absent.
func (n NodeDef) ConfigBool(key string, def bool) bool {
	if n.Config == nil {
		return def
	}
	if b, ok := n.Config[key].(bool); ok {
		return b
	}
	return def
}

// Timeout returns the node's configured timeout, or zero when the
// deployment default applies.
func (n NodeDef) Timeout() time.Duration {
	secs := n.ConfigInt("timeout_seconds", 0)
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// EdgeDef declares one directed edge of a workflow graph.
//
// Branch labels the edge for condition/switch/loop routing and for the
// catch/finally error paths; empty means the default successor. Group
// tags the edge as a member of a parallel fan-out group; all edges of a
// group share the From node and the Group name.
type EdgeDef struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Branch string `json:"branch,omitempty"`
	Group  string `json:"group,omitempty"`
}

// TriggerConfig declares how executions of a workflow are started.
type TriggerConfig struct {
	// Type is manual, webhook, or schedule.
	Type string `json:"type"`

	// SignalType names the signal type webhook subscriptions deliver,
	// for webhook-triggered workflows.
	SignalType string `json:"signal_type,omitempty"`

	// Rule is the cron rule for schedule-triggered workflows.
	Rule string `json:"rule,omitempty"`
}

// Workflow is a versioned graph definition.
//
// Versions are immutable once an execution references them: updates
// through the store create a new version, and running executions keep
// the version they started with.
type Workflow struct {
	ID             string        `json:"id"`
	Version        int           `json:"version"`
	Name           string        `json:"name"`
	Nodes          []NodeDef     `json:"nodes"`
	Edges          []EdgeDef     `json:"edges"`
	Trigger        TriggerConfig `json:"trigger"`
	Active         bool          `json:"active"`
	OwnerID        string        `json:"owner_id,omitempty"`
	TimeoutSeconds int           `json:"timeout_seconds,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Node returns the node with the given id.
func (w *Workflow) Node(id string) (NodeDef, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDef{}, false
}

// Entry returns the execution entry node: the unique trigger node, or
// the first declared node when no trigger exists.
func (w *Workflow) Entry() (NodeDef, error) {
	var entry NodeDef
	found := false
	for _, n := range w.Nodes {
		if n.Kind == KindTrigger {
			if found {
				return NodeDef{}, graphErrorf("workflow %s has multiple trigger nodes", w.ID)
			}
			entry = n
			found = true
		}
	}
	if found {
		return entry, nil
	}
	if len(w.Nodes) == 0 {
		return NodeDef{}, graphErrorf("workflow %s has no nodes", w.ID)
	}
	return w.Nodes[0], nil
}

// Outgoing returns the edges leaving the given node, in declaration
// order.
func (w *Workflow) Outgoing(from string) []EdgeDef {
	var out []EdgeDef
	for _, e := range w.Edges {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out
}

// GroupEdges returns the parallel fan-out edges leaving the given node,
// keyed by group name.
func (w *Workflow) GroupEdges(from string) map[string][]EdgeDef {
	groups := make(map[string][]EdgeDef)
	for _, e := range w.Edges {
		if e.From == from && e.Group != "" {
			groups[e.Group] = append(groups[e.Group], e)
		}
	}
	if len(groups) == 0 {
		return nil
	}
	return groups
}

// Validate checks graph structure. It is called at the create/update
// boundary so malformed definitions are rejected before any execution
// exists.
//
// Checks:
//   - at least one node, unique non-empty node ids, known kinds
//   - edges reference existing nodes
//   - at most one trigger node
//   - at most one unlabelled non-group edge per node
//   - condition nodes carry at least one labeled outgoing edge
//   - wait_signal nodes name a signal_type, sub_workflow nodes a
//     workflow_id
//   - parallel group members converge on one parallel_join node with a
//     valid wait mode
//   - loop_end nodes name their loop_start and carry loop/done edges
//   - no static cycles except through "loop" branch edges
func (w *Workflow) Validate() error {
	if len(w.Nodes) == 0 {
		return graphErrorf("workflow %s has no nodes", w.ID)
	}

	byID := make(map[string]NodeDef, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return graphErrorf("workflow %s has a node with empty id", w.ID)
		}
		if _, dup := byID[n.ID]; dup {
			return graphErrorf("duplicate node id %q", n.ID)
		}
		if !knownKinds[n.Kind] {
			return graphErrorf("node %q has unknown kind %q", n.ID, n.Kind)
		}
		byID[n.ID] = n
	}

	if _, err := w.Entry(); err != nil {
		return err
	}

	for _, e := range w.Edges {
		if _, ok := byID[e.From]; !ok {
			return graphErrorf("edge references unknown node %q", e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return graphErrorf("edge references unknown node %q", e.To)
		}
	}

	for _, n := range w.Nodes {
		if err := w.validateNode(n, byID); err != nil {
			return err
		}
	}

	return w.detectCycles(byID)
}

func (w *Workflow) validateNode(n NodeDef, byID map[string]NodeDef) error {
	out := w.Outgoing(n.ID)

	plain := 0
	labeled := 0
	for _, e := range out {
		if e.Group != "" {
			continue
		}
		if e.Branch == "" {
			plain++
		} else {
			labeled++
		}
	}
	if plain > 1 {
		return graphErrorf("node %q has %d unlabelled outgoing edges", n.ID, plain)
	}

	switch n.Kind {
	case KindCondition, KindValueSwitch, KindExprSwitch:
		if labeled == 0 {
			return graphErrorf("%s node %q has no labeled outgoing edges", n.Kind, n.ID)
		}
	case KindWaitSignal:
		if n.ConfigString("signal_type") == "" {
			return graphErrorf("wait_signal node %q missing config signal_type", n.ID)
		}
	case KindSubWorkflow:
		if n.ConfigString("workflow_id") == "" {
			return graphErrorf("sub_workflow node %q missing config workflow_id", n.ID)
		}
	case KindParallelJoin:
		mode := WaitMode(n.ConfigString("wait_mode"))
		if mode == "" {
			mode = WaitAll
		}
		switch mode {
		case WaitAll, WaitAny:
		case WaitN:
			if n.ConfigInt("required", 0) < 1 {
				return graphErrorf("parallel_join node %q wait mode n_of_m requires config required >= 1", n.ID)
			}
		default:
			return graphErrorf("parallel_join node %q has unknown wait_mode %q", n.ID, mode)
		}
	case KindLoopEnd:
		start := n.ConfigString("start")
		if start == "" {
			return graphErrorf("loop_end node %q missing config start", n.ID)
		}
		sn, ok := byID[start]
		if !ok || sn.Kind != KindLoopStart {
			return graphErrorf("loop_end node %q config start %q is not a loop_start node", n.ID, start)
		}
		var hasLoop, hasDone bool
		for _, e := range out {
			switch e.Branch {
			case BranchLoop:
				hasLoop = true
			case BranchDone:
				hasDone = true
			}
		}
		if !hasLoop || !hasDone {
			return graphErrorf("loop_end node %q must have both %q and %q edges", n.ID, BranchLoop, BranchDone)
		}
	}

	// Parallel groups: one group per fan-out node, and every member
	// must route to the same parallel_join. A node spawning several
	// groups would leave the forward route after the joins undefined.
	groups := w.GroupEdges(n.ID)
	if len(groups) > 1 {
		return graphErrorf("node %q fans out to %d parallel groups; a node may spawn only one group", n.ID, len(groups))
	}
	for group, edges := range groups {
		var join string
		for _, e := range edges {
			member, ok := byID[e.To]
			if !ok {
				return graphErrorf("parallel group %q references unknown node %q", group, e.To)
			}
			memberOut := w.Outgoing(member.ID)
			if len(memberOut) != 1 || memberOut[0].Branch != "" || memberOut[0].Group != "" {
				return graphErrorf("parallel group %q member %q must have exactly one plain edge to the join node", group, member.ID)
			}
			target, ok := byID[memberOut[0].To]
			if !ok || target.Kind != KindParallelJoin {
				return graphErrorf("parallel group %q member %q does not route to a parallel_join node", group, member.ID)
			}
			if join == "" {
				join = target.ID
			} else if join != target.ID {
				return graphErrorf("parallel group %q members route to different join nodes (%q, %q)", group, join, target.ID)
			}
		}
	}

	return nil
}

// detectCycles rejects static cycles. Edges labeled "loop" are the
// sanctioned back-edges of loop_end nodes and are excluded from the
// walk; loops are bounded at runtime by max_iterations.
func (w *Workflow) detectCycles(byID map[string]NodeDef) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, e := range w.Outgoing(id) {
			if e.Branch == BranchLoop {
				continue
			}
			switch color[e.To] {
			case gray:
				return graphErrorf("cycle detected through node %q", e.To)
			case white:
				if err := visit(e.To); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range w.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// String implements fmt.Stringer for log readability.
func (w *Workflow) String() string {
	return fmt.Sprintf("%s@v%d (%d nodes, %d edges)", w.ID, w.Version, len(w.Nodes), len(w.Edges))
}
