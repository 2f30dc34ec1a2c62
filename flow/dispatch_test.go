package flow

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestDispatcherRegister(t *testing.T) {
	d := NewDispatcher(time.Second)

	if err := d.Register(KindCode, &markerHandler{}); err != nil {
		t.Fatalf("Register(code) = %v, want nil", err)
	}
	if !d.Handles(KindCode) {
		t.Error("Handles(code) = false after Register")
	}
	if err := d.Register("teleport", &markerHandler{}); err == nil {
		t.Error("Register(unknown kind) = nil, want error")
	}
	if err := d.Register(KindCode, nil); err == nil {
		t.Error("Register(nil handler) = nil, want error")
	}
}

func TestDispatchNoHandler(t *testing.T) {
	d := NewDispatcher(time.Second)
	res := d.Dispatch(context.Background(), HandlerRequest{
		Node: NodeDef{ID: "n1", Kind: KindCode},
	})

	if res.Status != NodeFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	if !res.Permanent {
		t.Error("unregistered kind should fail permanently")
	}
	if res.NodeID != "n1" {
		t.Errorf("NodeID = %q, want n1", res.NodeID)
	}
}

func TestDispatchPanicCapture(t *testing.T) {
	d := NewDispatcher(time.Second)
	_ = d.Register(KindCode, HandlerFunc(func(ctx context.Context, req HandlerRequest) NodeExecutionResult {
		panic("handler bug")
	}))

	res := d.Dispatch(context.Background(), HandlerRequest{Node: NodeDef{ID: "n1", Kind: KindCode}})
	if res.Status != NodeFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	if !strings.Contains(res.Error, "handler panic") {
		t.Errorf("Error = %q, want panic message", res.Error)
	}
}

func TestDispatchTimeout(t *testing.T) {
	d := NewDispatcher(20 * time.Millisecond)
	_ = d.Register(KindCode, HandlerFunc(func(ctx context.Context, req HandlerRequest) NodeExecutionResult {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return NodeExecutionResult{Status: NodeSuccess}
	}))

	res := d.Dispatch(context.Background(), HandlerRequest{Node: NodeDef{ID: "slow", Kind: KindCode}})
	if res.Status != NodeFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("Error = %q, want timeout message", res.Error)
	}
}

func TestDispatchNodeTimeoutOverride(t *testing.T) {
	d := NewDispatcher(time.Minute)
	node := NodeDef{ID: "n1", Kind: KindCode, Config: map[string]any{"timeout_seconds": 5}}
	if got := d.Timeout(node); got != 5*time.Second {
		t.Errorf("Timeout() = %v, want 5s from node config", got)
	}
	if got := d.Timeout(NodeDef{ID: "n2", Kind: KindCode}); got != time.Minute {
		t.Errorf("Timeout() = %v, want dispatcher default", got)
	}
}

func TestDispatchNormalizesResult(t *testing.T) {
	d := NewDispatcher(time.Second)
	_ = d.Register(KindCode, HandlerFunc(func(ctx context.Context, req HandlerRequest) NodeExecutionResult {
		return NodeExecutionResult{Output: map[string]any{"x": 1}}
	}))

	res := d.Dispatch(context.Background(), HandlerRequest{Node: NodeDef{ID: "n1", Kind: KindCode}})
	if res.Status != NodeSuccess {
		t.Errorf("empty status should normalize to success, got %s", res.Status)
	}
	if res.StartedAt.IsZero() || res.CompletedAt.IsZero() {
		t.Error("timestamps not stamped")
	}
	if res.CompletedAt.Before(res.StartedAt) {
		t.Error("CompletedAt before StartedAt")
	}
}

func TestDispatchOuterCancellation(t *testing.T) {
	d := NewDispatcher(time.Minute)
	_ = d.Register(KindCode, HandlerFunc(func(ctx context.Context, req HandlerRequest) NodeExecutionResult {
		<-ctx.Done()
		return NodeExecutionResult{Status: NodeFailed, Error: ctx.Err().Error()}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := d.Dispatch(ctx, HandlerRequest{Node: NodeDef{ID: "n1", Kind: KindCode}})
	if res.Status != NodeFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	if !strings.Contains(res.Error, "cancel") {
		t.Errorf("Error = %q, want cancellation message", res.Error)
	}
}
