// Package store provides the persistence backends for the flow
// engine: an in-memory store for tests and development, SQLite for
// single-node deployments, and MySQL for shared ones.
//
// All backends serialize execution state and workflow definitions with
// the same versioned msgpack codec, so a database written by one
// backend restores identically through another. Note that msgpack
// round-trips integer map values as sized integer types; callers
// reading numbers out of restored execution data should not assume
// int.
package store

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dshills/flowcore-go/flow"
)

// stateSchemaVersion is stamped into every encoded state blob. Bump it
// when ExecutionState changes shape and add a migration arm in
// decodeState.
const stateSchemaVersion = 1

func encodeState(st *flow.ExecutionState) ([]byte, error) {
	if st == nil {
		st = flow.NewExecutionState(nil)
	}
	st.SchemaVersion = stateSchemaVersion
	blob, err := msgpack.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode execution state: %w", err)
	}
	return blob, nil
}

func decodeState(blob []byte) (*flow.ExecutionState, error) {
	if len(blob) == 0 {
		return flow.NewExecutionState(nil), nil
	}
	var st flow.ExecutionState
	if err := msgpack.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("decode execution state: %w", err)
	}
	switch st.SchemaVersion {
	case 0, stateSchemaVersion:
	default:
		return nil, fmt.Errorf("execution state schema version %d not supported", st.SchemaVersion)
	}
	return &st, nil
}

func encodeWorkflow(wf *flow.Workflow) ([]byte, error) {
	blob, err := msgpack.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("encode workflow %s: %w", wf.ID, err)
	}
	return blob, nil
}

func decodeWorkflow(blob []byte) (*flow.Workflow, error) {
	var wf flow.Workflow
	if err := msgpack.Unmarshal(blob, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &wf, nil
}

func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	blob, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode signal data: %w", err)
	}
	return blob, nil
}

func decodeData(blob []byte) (map[string]any, error) {
	if len(blob) == 0 {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := msgpack.Unmarshal(blob, &data); err != nil {
		return nil, fmt.Errorf("decode signal data: %w", err)
	}
	return data, nil
}

// cloneExecution deep-copies an execution through the codec so stored
// rows and returned rows never share state. Running the clone through
// msgpack also gives the in-memory store the same int64 round-trip
// semantics as the SQL backends.
func cloneExecution(exec *flow.Execution) (*flow.Execution, error) {
	blob, err := encodeState(exec.State)
	if err != nil {
		return nil, err
	}
	st, err := decodeState(blob)
	if err != nil {
		return nil, err
	}
	clone := *exec
	clone.State = st
	return &clone, nil
}

// cloneWorkflow deep-copies a workflow definition through the codec.
func cloneWorkflow(wf *flow.Workflow) (*flow.Workflow, error) {
	blob, err := encodeWorkflow(wf)
	if err != nil {
		return nil, err
	}
	return decodeWorkflow(blob)
}
