package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterJSONMode(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{ExecutionID: "exe-001", Step: 1, NodeID: "fetch", Msg: "step_start"})
	emitter.Emit(Event{ExecutionID: "exe-001", Step: 1, NodeID: "fetch", Msg: "step_end",
		Meta: map[string]interface{}{"duration_ms": 12}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("wrote %d lines, want 2", len(lines))
	}

	var first struct {
		ExecutionID string                 `json:"executionID"`
		Step        int                    `json:"step"`
		NodeID      string                 `json:"nodeID"`
		Msg         string                 `json:"msg"`
		Meta        map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 1 is not JSON: %v (%s)", err, lines[0])
	}
	if first.ExecutionID != "exe-001" || first.Step != 1 || first.Msg != "step_start" {
		t.Errorf("line 1 = %+v, want event fields", first)
	}
	if first.Meta != nil {
		t.Errorf("line 1 meta = %v, want null", first.Meta)
	}

	var second map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("line 2 is not JSON: %v", err)
	}
	meta, ok := second["meta"].(map[string]interface{})
	if !ok || meta["duration_ms"] != float64(12) {
		t.Errorf("line 2 meta = %v, want duration_ms 12", second["meta"])
	}
}

func TestLogEmitterTextMode(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{ExecutionID: "exe-001", Step: 2, NodeID: "charge", Msg: "step_failed",
		Meta: map[string]interface{}{"error": "card declined"}})

	line := strings.TrimSpace(buf.String())
	for _, want := range []string{"[step_failed]", "executionID=exe-001", "step=2", "nodeID=charge", "card declined"} {
		if !strings.Contains(line, want) {
			t.Errorf("output %q missing %q", line, want)
		}
	}
}

func TestLogEmitterNilWriterDefaultsToStdout(t *testing.T) {
	emitter := NewLogEmitter(nil, false)
	if emitter.writer == nil {
		t.Fatal("writer is nil, want stdout fallback")
	}
}
