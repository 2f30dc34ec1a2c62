package flow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HandlerRequest is the input to one node attempt: the node definition,
// its config, and a read-only snapshot of the execution data.
type HandlerRequest struct {
	ExecutionID string
	Node        NodeDef
	Config      map[string]any
	Input       map[string]any
}

// Handler performs the work of one node kind.
//
// Contract:
//   - Return a NodeExecutionResult; never panic (the dispatcher captures
//     panics into failed results as a backstop).
//   - Honor ctx cancellation; the dispatcher cancels it on timeout.
//   - Treat req.Input as read-only. All state changes flow through the
//     returned Output.
//   - Set Permanent on failures that retrying cannot fix (bad config,
//     4xx responses) so the engine fails fast instead of scheduling
//     retries.
//   - Handlers that touch external systems may be re-invoked after a
//     crash between the side effect and the commit; carry your own
//     idempotency keys where the external system supports them.
type Handler interface {
	Execute(ctx context.Context, req HandlerRequest) NodeExecutionResult
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req HandlerRequest) NodeExecutionResult

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, req HandlerRequest) NodeExecutionResult {
	return f(ctx, req)
}

// Dispatcher routes node kinds to handlers and owns the cross-cutting
// attempt mechanics: per-node timeout, panic capture, and duration
// measurement. Handlers stay free of that bookkeeping.
type Dispatcher struct {
	mu             sync.RWMutex
	handlers       map[NodeKind]Handler
	defaultTimeout time.Duration
}

// NewDispatcher builds an empty dispatcher. defaultTimeout applies to
// nodes without a config timeout_seconds; zero or negative falls back
// to 30 seconds.
func NewDispatcher(defaultTimeout time.Duration) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		handlers:       make(map[NodeKind]Handler),
		defaultTimeout: defaultTimeout,
	}
}

// Register binds a handler to a node kind, replacing any previous
// binding.
func (d *Dispatcher) Register(kind NodeKind, h Handler) error {
	if !knownKinds[kind] {
		return inputErrorf("cannot register handler for unknown kind %q", kind)
	}
	if h == nil {
		return inputErrorf("nil handler for kind %q", kind)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
	return nil
}

// Handles reports whether a handler is registered for the kind.
func (d *Dispatcher) Handles(kind NodeKind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[kind]
	return ok
}

// Timeout resolves the effective timeout for a node: its own
// timeout_seconds config wins over the dispatcher default.
func (d *Dispatcher) Timeout(node NodeDef) time.Duration {
	if t := node.Timeout(); t > 0 {
		return t
	}
	return d.defaultTimeout
}

// Dispatch runs the handler for the node with timeout and panic
// capture. The returned result always carries the node id, timestamps,
// and duration, whatever the handler did.
//
// A handler that outlives its timeout is abandoned: its context is
// cancelled, a failed timeout result is returned, and whatever the
// goroutine later produces is discarded. Because the step is only
// persisted through the lease-checked commit, an abandoned handler can
// never advance durable state.
func (d *Dispatcher) Dispatch(ctx context.Context, req HandlerRequest) NodeExecutionResult {
	d.mu.RLock()
	h := d.handlers[req.Node.Kind]
	d.mu.RUnlock()

	started := time.Now()
	if h == nil {
		return d.finish(req, started, NodeExecutionResult{
			Status:    NodeFailed,
			Error:     fmt.Sprintf("no handler registered for kind %q", req.Node.Kind),
			Permanent: true,
		})
	}

	timeout := d.Timeout(req.Node)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan NodeExecutionResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- NodeExecutionResult{
					Status: NodeFailed,
					Error:  fmt.Sprintf("handler panic: %v", r),
				}
			}
		}()
		done <- h.Execute(attemptCtx, req)
	}()

	select {
	case res := <-done:
		return d.finish(req, started, res)
	case <-attemptCtx.Done():
		res := NodeExecutionResult{
			Status: NodeFailed,
			Error:  fmt.Sprintf("node %q timed out after %v", req.Node.ID, timeout),
		}
		if ctx.Err() != nil {
			// Outer cancellation, not a per-node timeout.
			res.Error = fmt.Sprintf("node %q cancelled: %v", req.Node.ID, ctx.Err())
		}
		return d.finish(req, started, res)
	}
}

// finish normalizes a result: node id, timestamps, duration.
func (d *Dispatcher) finish(req HandlerRequest, started time.Time, res NodeExecutionResult) NodeExecutionResult {
	res.NodeID = req.Node.ID
	res.StartedAt = started
	res.CompletedAt = time.Now()
	res.DurationMS = res.CompletedAt.Sub(started).Milliseconds()
	if res.Status == "" {
		res.Status = NodeSuccess
	}
	return res
}
