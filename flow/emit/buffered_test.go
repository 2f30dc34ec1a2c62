package emit

import (
	"fmt"
	"sync"
	"testing"
)

func intPtr(n int) *int { return &n }

func TestBufferedEmitterHistory(t *testing.T) {
	b := NewBufferedEmitter()

	b.Emit(Event{ExecutionID: "e1", Step: 1, NodeID: "fetch", Msg: "step_start"})
	b.Emit(Event{ExecutionID: "e1", Step: 1, NodeID: "fetch", Msg: "step_end",
		Meta: map[string]interface{}{"duration_ms": int64(12)}})
	b.Emit(Event{ExecutionID: "e1", Step: 2, NodeID: "transform", Msg: "step_start"})
	b.Emit(Event{ExecutionID: "e2", Step: 1, NodeID: "fetch", Msg: "step_start"})

	got := b.GetHistory("e1")
	if len(got) != 3 {
		t.Fatalf("GetHistory(e1) = %d events, want 3", len(got))
	}
	if got[0].Msg != "step_start" || got[1].Msg != "step_end" || got[2].NodeID != "transform" {
		t.Errorf("events out of order: %+v", got)
	}

	if got := b.GetHistory("unknown"); len(got) != 0 {
		t.Errorf("GetHistory(unknown) = %d events, want 0", len(got))
	}

	// The returned slice is a copy.
	got = b.GetHistory("e1")
	got[0].Msg = "mutated"
	if again := b.GetHistory("e1"); again[0].Msg != "step_start" {
		t.Errorf("buffer shared state with caller: %q", again[0].Msg)
	}
}

func TestBufferedEmitterFilter(t *testing.T) {
	b := NewBufferedEmitter()
	for step := 1; step <= 5; step++ {
		b.Emit(Event{ExecutionID: "e1", Step: step, NodeID: "fetch", Msg: "step_start"})
		b.Emit(Event{ExecutionID: "e1", Step: step, NodeID: "fetch", Msg: "step_end"})
	}
	b.Emit(Event{ExecutionID: "e1", Step: 6, NodeID: "transform", Msg: "step_failed"})

	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"empty filter returns everything", HistoryFilter{}, 11},
		{"by msg", HistoryFilter{Msg: "step_end"}, 5},
		{"by node", HistoryFilter{NodeID: "transform"}, 1},
		{"by min step", HistoryFilter{MinStep: intPtr(4)}, 5},
		{"by max step", HistoryFilter{MaxStep: intPtr(2)}, 4},
		{"step range", HistoryFilter{MinStep: intPtr(2), MaxStep: intPtr(3)}, 4},
		{"combined", HistoryFilter{Msg: "step_start", MinStep: intPtr(3)}, 3},
		{"no match", HistoryFilter{NodeID: "fetch", Msg: "step_failed"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.GetHistoryWithFilter("e1", tt.filter)
			if len(got) != tt.want {
				t.Errorf("GetHistoryWithFilter() = %d events, want %d", len(got), tt.want)
			}
		})
	}
}

func TestBufferedEmitterClear(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{ExecutionID: "e1", Msg: "created"})
	b.Emit(Event{ExecutionID: "e2", Msg: "created"})

	b.Clear("e1")
	if len(b.GetHistory("e1")) != 0 {
		t.Error("Clear(e1) left events behind")
	}
	if len(b.GetHistory("e2")) != 1 {
		t.Error("Clear(e1) touched e2")
	}

	b.Clear("")
	if len(b.GetHistory("e2")) != 0 {
		t.Error("Clear() left events behind")
	}
}

func TestBufferedEmitterConcurrent(t *testing.T) {
	b := NewBufferedEmitter()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("e%d", w)
			for step := 1; step <= 50; step++ {
				b.Emit(Event{ExecutionID: id, Step: step, Msg: "step_start"})
				_ = b.GetHistory(id)
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < 8; w++ {
		id := fmt.Sprintf("e%d", w)
		if got := len(b.GetHistory(id)); got != 50 {
			t.Errorf("GetHistory(%s) = %d events, want 50", id, got)
		}
	}
}
