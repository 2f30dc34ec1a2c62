package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/flowcore-go/flow"
)

// sqlStore implements flow.Store on database/sql. SQLite and MySQL
// share this implementation: queries use only ? placeholders, times
// are stored as unix nanoseconds, and blobs go through the msgpack
// codec, so the two backends differ only in schema DDL and connection
// setup.
//
// The executions table denormalizes waiting_signal_type and
// waiting_child_id out of the state blob so ClaimRunnable can find
// wakeable waiting executions in one query.
type sqlStore struct {
	db *sql.DB
}

var _ flow.Store = (*sqlStore)(nil)

// Close closes the underlying database.
func (s *sqlStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for migrations and tests.
func (s *sqlStore) DB() *sql.DB { return s.db }

func nanos(t time.Time) int64 { return t.UnixNano() }

func nanosPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time { return time.Unix(0, n) }

func fromNanosPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreateWorkflow implements flow.Store.
func (s *sqlStore) CreateWorkflow(ctx context.Context, wf *flow.Workflow) error {
	wf.Version = 1
	now := time.Now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	blob, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, version, active, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Version, wf.Active, blob, nanos(wf.CreatedAt), nanos(wf.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert workflow %s: %w", wf.ID, err)
	}
	return nil
}

// GetWorkflow implements flow.Store.
func (s *sqlStore) GetWorkflow(ctx context.Context, id string, version int) (*flow.Workflow, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflows WHERE id = ? AND version = ?`,
		id, version).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s version %d: %w", id, version, flow.ErrWorkflowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select workflow %s: %w", id, err)
	}
	return decodeWorkflow(blob)
}

// LatestWorkflow implements flow.Store.
func (s *sqlStore) LatestWorkflow(ctx context.Context, id string) (*flow.Workflow, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflows WHERE id = ? ORDER BY version DESC LIMIT 1`,
		id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, flow.ErrWorkflowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select workflow %s: %w", id, err)
	}
	return decodeWorkflow(blob)
}

// UpdateWorkflow implements flow.Store.
func (s *sqlStore) UpdateWorkflow(ctx context.Context, wf *flow.Workflow) (*flow.Workflow, error) {
	var next *flow.Workflow
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var latestVersion int
		var latestBlob []byte
		err := tx.QueryRowContext(ctx,
			`SELECT version, definition FROM workflows WHERE id = ? ORDER BY version DESC LIMIT 1`,
			wf.ID).Scan(&latestVersion, &latestBlob)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("workflow %s: %w", wf.ID, flow.ErrWorkflowNotFound)
		}
		if err != nil {
			return fmt.Errorf("select workflow %s: %w", wf.ID, err)
		}
		latest, err := decodeWorkflow(latestBlob)
		if err != nil {
			return err
		}

		updated := *wf
		updated.Version = latestVersion + 1
		updated.CreatedAt = latest.CreatedAt
		updated.UpdatedAt = time.Now()

		blob, err := encodeWorkflow(&updated)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflows (id, version, active, definition, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			updated.ID, updated.Version, updated.Active, blob,
			nanos(updated.CreatedAt), nanos(updated.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert workflow %s version %d: %w", updated.ID, updated.Version, err)
		}
		next = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// DeactivateWorkflow implements flow.Store.
func (s *sqlStore) DeactivateWorkflow(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT version, definition FROM workflows WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("select workflow %s: %w", id, err)
		}
		type row struct {
			version int
			blob    []byte
		}
		var versions []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.version, &r.blob); err != nil {
				rows.Close()
				return err
			}
			versions = append(versions, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(versions) == 0 {
			return fmt.Errorf("workflow %s: %w", id, flow.ErrWorkflowNotFound)
		}

		now := time.Now()
		for _, r := range versions {
			wf, err := decodeWorkflow(r.blob)
			if err != nil {
				return err
			}
			wf.Active = false
			wf.UpdatedAt = now
			blob, err := encodeWorkflow(wf)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE workflows SET active = ?, definition = ?, updated_at = ? WHERE id = ? AND version = ?`,
				false, blob, nanos(now), id, r.version)
			if err != nil {
				return fmt.Errorf("deactivate workflow %s version %d: %w", id, r.version, err)
			}
		}
		return nil
	})
}

// ListWorkflows implements flow.Store.
func (s *sqlStore) ListWorkflows(ctx context.Context) ([]*flow.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT w.definition FROM workflows w
		 INNER JOIN (SELECT id, MAX(version) AS version FROM workflows GROUP BY id) latest
		 ON w.id = latest.id AND w.version = latest.version
		 ORDER BY w.id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*flow.Workflow
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		wf, err := decodeWorkflow(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// execColumns is the scan order shared by every execution query.
const execColumns = `id, workflow_id, workflow_version, status, started_at, completed_at,
	retry_count, next_retry_at, error_message, parent_execution_id, parent_node_id,
	lease_owner, lease_until, state`

func scanExecution(scan func(dest ...any) error) (*flow.Execution, error) {
	var (
		exec        flow.Execution
		status      string
		startedAt   int64
		completedAt sql.NullInt64
		nextRetryAt sql.NullInt64
		leaseUntil  sql.NullInt64
		stateBlob   []byte
	)
	err := scan(&exec.ID, &exec.WorkflowID, &exec.WorkflowVersion, &status, &startedAt,
		&completedAt, &exec.RetryCount, &nextRetryAt, &exec.ErrorMessage,
		&exec.ParentExecutionID, &exec.ParentNodeID, &exec.LeaseOwner, &leaseUntil, &stateBlob)
	if err != nil {
		return nil, err
	}
	exec.Status = flow.ExecutionStatus(status)
	exec.StartedAt = fromNanos(startedAt)
	exec.CompletedAt = fromNanosPtr(completedAt)
	exec.NextRetryAt = fromNanosPtr(nextRetryAt)
	exec.LeaseUntil = fromNanosPtr(leaseUntil)
	exec.State, err = decodeState(stateBlob)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// writeExecution updates one execution row, refreshing the
// denormalized waiting columns from the state. A non-nil prevState
// makes the write conditional on the stored blob still matching what
// the caller read, so a commit racing in between surfaces as
// ErrStaleExecution instead of a lost update.
func writeExecution(ctx context.Context, db execer, exec *flow.Execution, prevState []byte) error {
	blob, err := encodeState(exec.State)
	if err != nil {
		return err
	}
	waitingSignal, waitingChild := "", ""
	if exec.State != nil {
		waitingSignal = exec.State.WaitingSignalType
		waitingChild = exec.State.WaitingChildID
	}
	query := `UPDATE executions SET status = ?, completed_at = ?, retry_count = ?, next_retry_at = ?,
		 error_message = ?, lease_owner = ?, lease_until = ?,
		 waiting_signal_type = ?, waiting_child_id = ?, state = ?
		 WHERE id = ?`
	args := []any{string(exec.Status), nanosPtr(exec.CompletedAt), exec.RetryCount,
		nanosPtr(exec.NextRetryAt), exec.ErrorMessage, exec.LeaseOwner,
		nanosPtr(exec.LeaseUntil), waitingSignal, waitingChild, blob, exec.ID}
	if prevState != nil {
		query += ` AND state = ?`
		args = append(args, prevState)
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", exec.ID, err)
	}
	if prevState != nil {
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("execution %s changed under the write: %w", exec.ID, flow.ErrStaleExecution)
		}
	}
	return nil
}

// CreateExecution implements flow.Store.
func (s *sqlStore) CreateExecution(ctx context.Context, exec *flow.Execution) error {
	blob, err := encodeState(exec.State)
	if err != nil {
		return err
	}
	waitingSignal, waitingChild := "", ""
	if exec.State != nil {
		waitingSignal = exec.State.WaitingSignalType
		waitingChild = exec.State.WaitingChildID
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, workflow_version, status, started_at,
		 completed_at, retry_count, next_retry_at, error_message, parent_execution_id,
		 parent_node_id, lease_owner, lease_until, waiting_signal_type, waiting_child_id, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.WorkflowVersion, string(exec.Status),
		nanos(exec.StartedAt), nanosPtr(exec.CompletedAt), exec.RetryCount,
		nanosPtr(exec.NextRetryAt), exec.ErrorMessage, exec.ParentExecutionID,
		exec.ParentNodeID, exec.LeaseOwner, nanosPtr(exec.LeaseUntil),
		waitingSignal, waitingChild, blob)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetExecution implements flow.Store.
func (s *sqlStore) GetExecution(ctx context.Context, id string) (*flow.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+execColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, flow.ErrExecutionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select execution %s: %w", id, err)
	}
	return exec, nil
}

// ListExecutions implements flow.Store.
func (s *sqlStore) ListExecutions(ctx context.Context, filter flow.ExecutionFilter) ([]*flow.Execution, error) {
	query := `SELECT ` + execColumns + ` FROM executions WHERE 1=1`
	var args []any
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ParentID != "" {
		query += ` AND parent_execution_id = ?`
		args = append(args, filter.ParentID)
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*flow.Execution
	for rows.Next() {
		exec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// UpdateExecution implements flow.Store. It ignores leases but rejects
// writes to terminal rows.
func (s *sqlStore) UpdateExecution(ctx context.Context, exec *flow.Execution) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+execColumns+` FROM executions WHERE id = ?`, exec.ID)
		stored, err := scanExecution(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("execution %s: %w", exec.ID, flow.ErrExecutionNotFound)
		}
		if err != nil {
			return err
		}
		if stored.Terminal() {
			return fmt.Errorf("execution %s is %s: %w", exec.ID, stored.Status, flow.ErrTerminalExecution)
		}
		if stateSteps(stored) != stateSteps(exec) {
			return fmt.Errorf("execution %s at step %d, snapshot at step %d: %w",
				exec.ID, stateSteps(stored), stateSteps(exec), flow.ErrStaleExecution)
		}
		var prev []byte
		if err := tx.QueryRowContext(ctx,
			`SELECT state FROM executions WHERE id = ?`, exec.ID).Scan(&prev); err != nil {
			return err
		}

		// The lease stays with whoever holds it.
		update := *exec
		update.LeaseOwner = stored.LeaseOwner
		update.LeaseUntil = stored.LeaseUntil
		return writeExecution(ctx, tx, &update, prev)
	})
}

// ClaimRunnable implements flow.Store.
//
// Candidates are selected with eligibility folded into one query over
// the denormalized waiting columns, then each lease is granted with a
// conditional update so concurrent claimers never double-grant.
func (s *sqlStore) ClaimRunnable(ctx context.Context, owner string, max int, now time.Time, leaseFor time.Duration) ([]*flow.Execution, error) {
	if max <= 0 {
		return nil, nil
	}
	nowN := nanos(now)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM executions e
		 WHERE (e.lease_until IS NULL OR e.lease_until <= ?)
		 AND (
		   e.status = 'running'
		   OR (e.status = 'failed' AND e.next_retry_at IS NOT NULL AND e.next_retry_at <= ?)
		   OR (e.status = 'waiting_for_signal' AND e.waiting_child_id <> '' AND EXISTS (
		         SELECT 1 FROM executions c WHERE c.id = e.waiting_child_id
		         AND (c.status IN ('completed', 'terminated')
		              OR (c.status = 'failed' AND c.next_retry_at IS NULL))))
		   OR (e.status = 'waiting_for_signal' AND e.waiting_signal_type <> '' AND EXISTS (
		         SELECT 1 FROM signals s WHERE s.processed = 0 AND s.type = e.waiting_signal_type
		         AND (s.execution_id = e.id OR s.execution_id = '')))
		 )
		 ORDER BY e.started_at ASC
		 LIMIT ?`,
		nowN, nowN, max)
	if err != nil {
		return nil, fmt.Errorf("select runnable: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	until := nanos(now.Add(leaseFor))
	var claimed []*flow.Execution
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE executions SET lease_owner = ?, lease_until = ?
			 WHERE id = ? AND (lease_until IS NULL OR lease_until <= ?)`,
			owner, until, id, nowN)
		if err != nil {
			return nil, fmt.Errorf("grant lease on %s: %w", id, err)
		}
		granted, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if granted == 0 {
			// Another claimer got there first.
			continue
		}
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			if errors.Is(err, flow.ErrExecutionNotFound) {
				continue
			}
			return nil, err
		}
		claimed = append(claimed, exec)
	}
	return claimed, nil
}

// ReleaseLease implements flow.Store.
func (s *sqlStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET lease_owner = '', lease_until = NULL
		 WHERE id = ? AND lease_owner = ?`,
		executionID, owner)
	if err != nil {
		return fmt.Errorf("release lease on %s: %w", executionID, err)
	}
	return nil
}

// CommitStep implements flow.Store.
func (s *sqlStore) CommitStep(ctx context.Context, owner string, exec *flow.Execution, logs []flow.LogEntry, processedSignalID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+execColumns+` FROM executions WHERE id = ?`, exec.ID)
		stored, err := scanExecution(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("execution %s: %w", exec.ID, flow.ErrExecutionNotFound)
		}
		if err != nil {
			return err
		}

		// Terminal rows are frozen: drop the write, release the lease.
		if stored.Terminal() {
			if owner != "" && stored.LeaseOwner == owner {
				_, err := tx.ExecContext(ctx,
					`UPDATE executions SET lease_owner = '', lease_until = NULL WHERE id = ?`,
					exec.ID)
				return err
			}
			return nil
		}

		if owner != "" && stored.LeaseOwner != owner {
			return fmt.Errorf("execution %s held by %q: %w", exec.ID, stored.LeaseOwner, flow.ErrLeaseNotHeld)
		}
		// Control-plane commits hold no lease; the step counter is
		// their only protection against overwriting a worker commit.
		var prev []byte
		if owner == "" {
			if stateSteps(stored)+1 != stateSteps(exec) {
				return fmt.Errorf("execution %s at step %d, commit from step %d: %w",
					exec.ID, stateSteps(stored), stateSteps(exec)-1, flow.ErrStaleExecution)
			}
			if err := tx.QueryRowContext(ctx,
				`SELECT state FROM executions WHERE id = ?`, exec.ID).Scan(&prev); err != nil {
				return err
			}
		}

		update := *exec
		update.LeaseOwner = ""
		update.LeaseUntil = nil
		// A pause that landed mid-step sticks; the step's results
		// still commit.
		if stored.Status == flow.StatusPaused &&
			(update.Status == flow.StatusRunning || update.Status == flow.StatusWaitingForSignal) {
			update.Status = flow.StatusPaused
		}
		if err := writeExecution(ctx, tx, &update, prev); err != nil {
			return err
		}

		for _, entry := range logs {
			if err := insertLog(ctx, tx, entry); err != nil {
				return err
			}
		}
		if processedSignalID != "" {
			_, err := tx.ExecContext(ctx,
				`UPDATE signals SET processed = 1, processed_by = ? WHERE id = ?`,
				exec.ID, processedSignalID)
			if err != nil {
				return fmt.Errorf("mark signal %s processed: %w", processedSignalID, err)
			}
		}
		return nil
	})
}

// AppendSignal implements flow.Store.
func (s *sqlStore) AppendSignal(ctx context.Context, sig *flow.Signal) error {
	blob, err := encodeData(sig.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signals (id, execution_id, type, data, received_at, processed, processed_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.ExecutionID, sig.Type, blob, nanos(sig.ReceivedAt), sig.Processed, sig.ProcessedBy)
	if err != nil {
		return fmt.Errorf("insert signal %s: %w", sig.ID, err)
	}
	return nil
}

func scanSignal(scan func(dest ...any) error) (*flow.Signal, error) {
	var (
		sig        flow.Signal
		blob       []byte
		receivedAt int64
	)
	err := scan(&sig.ID, &sig.ExecutionID, &sig.Type, &blob, &receivedAt, &sig.Processed, &sig.ProcessedBy)
	if err != nil {
		return nil, err
	}
	sig.ReceivedAt = fromNanos(receivedAt)
	sig.Data, err = decodeData(blob)
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

// NextPendingSignal implements flow.Store.
func (s *sqlStore) NextPendingSignal(ctx context.Context, executionID, signalType string) (*flow.Signal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, type, data, received_at, processed, processed_by
		 FROM signals
		 WHERE processed = 0 AND type = ? AND (execution_id = ? OR execution_id = '')
		 ORDER BY received_at ASC LIMIT 1`,
		signalType, executionID)
	sig, err := scanSignal(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending signal: %w", err)
	}
	return sig, nil
}

// ListSignals implements flow.Store.
func (s *sqlStore) ListSignals(ctx context.Context, executionID string) ([]*flow.Signal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, type, data, received_at, processed, processed_by
		 FROM signals WHERE execution_id = ? OR processed_by = ?
		 ORDER BY received_at ASC`,
		executionID, executionID)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []*flow.Signal
	for rows.Next() {
		sig, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// SweepExpiredSignals implements flow.Store.
func (s *sqlStore) SweepExpiredSignals(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	cutoff := nanos(now.Add(-ttl))
	moved := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, execution_id, type, data, received_at, processed, processed_by
			 FROM signals WHERE processed = 0 AND received_at < ?`,
			cutoff)
		if err != nil {
			return fmt.Errorf("select expired signals: %w", err)
		}
		var expired []*flow.Signal
		for rows.Next() {
			sig, err := scanSignal(rows.Scan)
			if err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, sig)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, sig := range expired {
			blob, err := encodeData(sig.Data)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO dead_signals (id, execution_id, type, data, received_at, reason, dead_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				sig.ID, sig.ExecutionID, sig.Type, blob, nanos(sig.ReceivedAt), "ttl expired", nanos(now))
			if err != nil {
				return fmt.Errorf("dead-letter signal %s: %w", sig.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM signals WHERE id = ?`, sig.ID); err != nil {
				return fmt.Errorf("delete signal %s: %w", sig.ID, err)
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// DeadLetters implements flow.Store.
func (s *sqlStore) DeadLetters(ctx context.Context) ([]flow.DeadSignal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, type, data, received_at, reason, dead_at
		 FROM dead_signals ORDER BY dead_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []flow.DeadSignal
	for rows.Next() {
		var (
			dead       flow.DeadSignal
			blob       []byte
			receivedAt int64
			deadAt     int64
		)
		err := rows.Scan(&dead.Signal.ID, &dead.Signal.ExecutionID, &dead.Signal.Type,
			&blob, &receivedAt, &dead.Reason, &deadAt)
		if err != nil {
			return nil, err
		}
		dead.Signal.ReceivedAt = fromNanos(receivedAt)
		dead.DeadAt = fromNanos(deadAt)
		dead.Signal.Data, err = decodeData(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, dead)
	}
	return out, rows.Err()
}

// CreateSchedule implements flow.Store.
func (s *sqlStore) CreateSchedule(ctx context.Context, sched *flow.Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, rule, next_fire_at, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, sched.Rule, nanos(sched.NextFireAt), sched.Active,
		nanos(sched.CreatedAt), nanos(sched.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert schedule %s: %w", sched.ID, err)
	}
	return nil
}

func scanSchedule(scan func(dest ...any) error) (*flow.Schedule, error) {
	var (
		sched      flow.Schedule
		nextFireAt int64
		createdAt  int64
		updatedAt  int64
	)
	err := scan(&sched.ID, &sched.WorkflowID, &sched.Rule, &nextFireAt, &sched.Active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sched.NextFireAt = fromNanos(nextFireAt)
	sched.CreatedAt = fromNanos(createdAt)
	sched.UpdatedAt = fromNanos(updatedAt)
	return &sched, nil
}

// GetSchedule implements flow.Store.
func (s *sqlStore) GetSchedule(ctx context.Context, id string) (*flow.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, rule, next_fire_at, active, created_at, updated_at
		 FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, flow.ErrScheduleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select schedule %s: %w", id, err)
	}
	return sched, nil
}

// UpdateSchedule implements flow.Store.
func (s *sqlStore) UpdateSchedule(ctx context.Context, sched *flow.Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET workflow_id = ?, rule = ?, next_fire_at = ?, active = ?, updated_at = ?
		 WHERE id = ?`,
		sched.WorkflowID, sched.Rule, nanos(sched.NextFireAt), sched.Active,
		nanos(sched.UpdatedAt), sched.ID)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", sched.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", sched.ID, flow.ErrScheduleNotFound)
	}
	return nil
}

// DeleteSchedule implements flow.Store.
func (s *sqlStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, flow.ErrScheduleNotFound)
	}
	return nil
}

// ListSchedules implements flow.Store.
func (s *sqlStore) ListSchedules(ctx context.Context) ([]*flow.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, rule, next_fire_at, active, created_at, updated_at
		 FROM schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*flow.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// DueSchedules implements flow.Store. The conditional advance of
// next_fire_at hands each fire time to exactly one poller.
func (s *sqlStore) DueSchedules(ctx context.Context, now time.Time, max int, nextFire flow.NextFireFunc) ([]*flow.Schedule, error) {
	if max <= 0 {
		return nil, nil
	}
	nowN := nanos(now)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, rule, next_fire_at, active, created_at, updated_at
		 FROM schedules WHERE active = 1 AND next_fire_at <= ?
		 ORDER BY next_fire_at ASC LIMIT ?`,
		nowN, max)
	if err != nil {
		return nil, fmt.Errorf("select due schedules: %w", err)
	}
	var candidates []*flow.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, sched)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var due []*flow.Schedule
	for _, sched := range candidates {
		next, err := nextFire(sched.Rule, now)
		if err != nil {
			// An unparseable rule must not fire forever; park it.
			_, _ = s.db.ExecContext(ctx,
				`UPDATE schedules SET active = 0, updated_at = ? WHERE id = ?`,
				nowN, sched.ID)
			continue
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE schedules SET next_fire_at = ?, updated_at = ?
			 WHERE id = ? AND next_fire_at = ?`,
			nanos(next), nowN, sched.ID, nanos(sched.NextFireAt))
		if err != nil {
			return nil, fmt.Errorf("advance schedule %s: %w", sched.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Another poller advanced it; this fire is theirs.
			continue
		}
		due = append(due, sched)
	}
	return due, nil
}

func insertLog(ctx context.Context, db execer, entry flow.LogEntry) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO logs (execution_id, node_id, level, message, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.ExecutionID, entry.NodeID, entry.Level, entry.Message, nanos(entry.Timestamp))
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// AppendLog implements flow.Store.
func (s *sqlStore) AppendLog(ctx context.Context, entry flow.LogEntry) error {
	return insertLog(ctx, s.db, entry)
}

// ListLogs implements flow.Store.
func (s *sqlStore) ListLogs(ctx context.Context, executionID string) ([]flow.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, node_id, level, message, timestamp
		 FROM logs WHERE execution_id = ? ORDER BY seq ASC`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []flow.LogEntry
	for rows.Next() {
		var entry flow.LogEntry
		var ts int64
		if err := rows.Scan(&entry.ExecutionID, &entry.NodeID, &entry.Level, &entry.Message, &ts); err != nil {
			return nil, err
		}
		entry.Timestamp = fromNanos(ts)
		out = append(out, entry)
	}
	return out, rows.Err()
}
