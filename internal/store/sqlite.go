package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/foreman/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id              TEXT PRIMARY KEY,
    owner_id        TEXT NOT NULL,
    status          TEXT NOT NULL,
    descriptor      TEXT,
    total_steps     INTEGER NOT NULL DEFAULT 0,
    completed_steps INTEGER NOT NULL DEFAULT 0,
    failed_steps    INTEGER NOT NULL DEFAULT 0,
    progress        REAL NOT NULL DEFAULT 0,
    current_step_id TEXT,
    error           TEXT,
    metadata        TEXT,
    duration_ms     INTEGER,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL,
    started_at      DATETIME,
    finished_at     DATETIME
)`

const createStepsTable = `
CREATE TABLE IF NOT EXISTS steps (
    id           TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL,
    name         TEXT NOT NULL,
    agent_type   TEXT NOT NULL,
    status       TEXT NOT NULL,
    progress     REAL NOT NULL DEFAULT 0,
    output       TEXT,
    error        TEXT,
    artifacts    TEXT,
    duration_ms  INTEGER,
    started_at   DATETIME,
    finished_at  DATETIME
)`

const createTerminalOutputTable = `
CREATE TABLE IF NOT EXISTS terminal_output (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL,
    step_id      TEXT,
    kind         TEXT NOT NULL,
    content      TEXT NOT NULL,
    agent_name   TEXT,
    created_at   DATETIME NOT NULL
)`

var createIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_executions_owner ON executions(owner_id)",
	"CREATE INDEX IF NOT EXISTS idx_steps_execution ON steps(execution_id)",
	"CREATE INDEX IF NOT EXISTS idx_output_execution ON terminal_output(execution_id)",
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite permits one writer at a time; a single pooled connection also
	// keeps :memory: databases shared across callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createExecutionsTable, createStepsTable, createTerminalOutputTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}
	for _, stmt := range createIndexes {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeJSON marshals v into a nullable TEXT column value. Nil maps and
// slices become NULL rather than "null".
func encodeJSON(v any) (any, error) {
	switch t := v.(type) {
	case map[string]string:
		if t == nil {
			return nil, nil
		}
	case []model.Artifact:
		if t == nil {
			return nil, nil
		}
	case *model.Descriptor:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(col sql.NullString, v any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), v); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

// CreateExecution inserts a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.WorkflowExecution) error {
	descriptor, err := encodeJSON(e.Descriptor)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(e.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (
			id, owner_id, status, descriptor, total_steps, completed_steps,
			failed_steps, progress, current_step_id, error, metadata,
			duration_ms, created_at, updated_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerID, e.Status, descriptor, e.TotalSteps, e.CompletedSteps,
		e.FailedSteps, e.Progress, e.CurrentStepID, e.Error, metadata,
		e.DurationMS, e.CreatedAt, e.UpdatedAt, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

const executionColumns = `id, owner_id, status, descriptor, total_steps, completed_steps,
	failed_steps, progress, current_step_id, error, metadata, duration_ms,
	created_at, updated_at, started_at, finished_at`

func scanExecution(row interface{ Scan(...any) error }) (*model.WorkflowExecution, error) {
	e := &model.WorkflowExecution{}
	var descriptor, metadata sql.NullString
	var currentStepID, errMsg sql.NullString
	err := row.Scan(
		&e.ID, &e.OwnerID, &e.Status, &descriptor, &e.TotalSteps, &e.CompletedSteps,
		&e.FailedSteps, &e.Progress, &currentStepID, &errMsg, &metadata, &e.DurationMS,
		&e.CreatedAt, &e.UpdatedAt, &e.StartedAt, &e.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	e.CurrentStepID = currentStepID.String
	e.Error = errMsg.String
	if err := decodeJSON(descriptor, &e.Descriptor); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &e.Metadata); err != nil {
		return nil, err
	}
	return e, nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+executionColumns+" FROM executions WHERE id = ?", id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a page of executions ordered by created_at DESC,
// along with the total count of executions matching the filters.
func (s *SQLiteStore) ListExecutions(ctx context.Context, ownerID, status string, limit, offset int) ([]*model.WorkflowExecution, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if ownerID != "" {
		where += " AND owner_id = ?"
		args = append(args, ownerID)
	}
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	pageArgs := append(append([]any{}, args...), limit, offset)
	rows, err := tx.QueryContext(ctx,
		"SELECT "+executionColumns+" FROM executions"+where+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		pageArgs...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*model.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return executions, total, nil
}

// UpdateExecution persists all mutable fields of an execution. When the
// update changes the status, the transition is validated against the
// execution state machine.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, e *model.WorkflowExecution) error {
	metadata, err := encodeJSON(e.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM executions WHERE id = ?", e.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}
	if current != e.Status && !model.ValidTransition(current, e.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, e.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET
			status = ?, total_steps = ?, completed_steps = ?, failed_steps = ?,
			progress = ?, current_step_id = ?, error = ?, metadata = ?,
			duration_ms = ?, updated_at = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		e.Status, e.TotalSteps, e.CompletedSteps, e.FailedSteps,
		e.Progress, e.CurrentStepID, e.Error, metadata,
		e.DurationMS, time.Now().UTC(), e.StartedAt, e.FinishedAt,
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateExecutionMetadata persists only the metadata of an execution,
// leaving the state machine and progress columns to their owners.
func (s *SQLiteStore) UpdateExecutionMetadata(ctx context.Context, e *model.WorkflowExecution) error {
	metadata, err := encodeJSON(e.Metadata)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE executions SET metadata = ?, updated_at = ? WHERE id = ?",
		metadata, time.Now().UTC(), e.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution metadata: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateExecutionProgress persists the task-owned progress fields of an
// execution. The status column is deliberately left alone: a pause or cancel
// persisted by another goroutine while a step was in flight must survive the
// step's bookkeeping writes.
func (s *SQLiteStore) UpdateExecutionProgress(ctx context.Context, e *model.WorkflowExecution) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE executions SET
			total_steps = ?, completed_steps = ?, failed_steps = ?,
			progress = ?, current_step_id = ?, updated_at = ?
		WHERE id = ?`,
		e.TotalSteps, e.CompletedSteps, e.FailedSteps,
		e.Progress, e.CurrentStepID, time.Now().UTC(),
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution progress: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateExecutionStatus transitions an execution to a new status, validating
// the transition. It sets started_at on the first transition to running and
// finished_at on any transition to a terminal status.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM executions WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			`UPDATE executions SET status = ?, updated_at = ?,
				started_at = COALESCE(started_at, ?) WHERE id = ?`,
			status, now, now, id)
	case model.TerminalStatus(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ?, updated_at = ?, finished_at = ? WHERE id = ?",
			status, now, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ?, updated_at = ? WHERE id = ?",
			status, now, id)
	}
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteExecution removes an execution along with its steps and terminal
// output. Callers are responsible for ensuring the execution is terminal.
func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM terminal_output WHERE execution_id = ?", id); err != nil {
		return fmt.Errorf("delete terminal output: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM steps WHERE execution_id = ?", id); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM executions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetExecutionStats returns aggregate statistics for an owner's executions.
func (s *SQLiteStore) GetExecutionStats(ctx context.Context, ownerID string) (*ExecutionStats, error) {
	stats := &ExecutionStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM executions WHERE owner_id = ? GROUP BY status", ownerID)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM executions WHERE owner_id = ? AND duration_ms IS NOT NULL",
		ownerID).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

// CreateStep inserts a new step record.
func (s *SQLiteStore) CreateStep(ctx context.Context, st *model.ExecutionStep) error {
	artifacts, err := encodeJSON(st.Artifacts)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO steps (
			id, execution_id, name, agent_type, status, progress,
			output, error, artifacts, duration_ms, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.ExecutionID, st.Name, st.AgentType, st.Status, st.Progress,
		st.Output, st.Error, artifacts, st.DurationMS, st.StartedAt, st.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// UpdateStep persists all mutable fields of a step.
func (s *SQLiteStore) UpdateStep(ctx context.Context, st *model.ExecutionStep) error {
	artifacts, err := encodeJSON(st.Artifacts)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE steps SET
			status = ?, progress = ?, output = ?, error = ?, artifacts = ?,
			duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		st.Status, st.Progress, st.Output, st.Error, artifacts,
		st.DurationMS, st.StartedAt, st.FinishedAt,
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSteps returns all steps for an execution in creation order. Step IDs
// are ULIDs, which sort lexicographically by creation time.
func (s *SQLiteStore) ListSteps(ctx context.Context, executionID string) ([]*model.ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, name, agent_type, status, progress,
			output, error, artifacts, duration_ms, started_at, finished_at
		FROM steps WHERE execution_id = ? ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := []*model.ExecutionStep{}
	for rows.Next() {
		st := &model.ExecutionStep{}
		var output, errMsg, artifacts sql.NullString
		if err := rows.Scan(
			&st.ID, &st.ExecutionID, &st.Name, &st.AgentType, &st.Status, &st.Progress,
			&output, &errMsg, &artifacts, &st.DurationMS, &st.StartedAt, &st.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Output = output.String
		st.Error = errMsg.String
		if err := decodeJSON(artifacts, &st.Artifacts); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}

	return steps, nil
}

// AppendTerminalOutput inserts a terminal output record and fills in its
// assigned ID. A zero CreatedAt is stamped with the current UTC time.
func (s *SQLiteStore) AppendTerminalOutput(ctx context.Context, rec *model.TerminalOutputRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO terminal_output (execution_id, step_id, kind, content, agent_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.StepID, rec.Kind, rec.Content, rec.AgentName, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert terminal output: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("read insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// ListTerminalOutput returns terminal output for an execution ordered by
// timestamp, then insertion order for identical timestamps.
func (s *SQLiteStore) ListTerminalOutput(ctx context.Context, executionID, stepID string, limit int) ([]model.TerminalOutputRecord, error) {
	query := `SELECT id, execution_id, step_id, kind, content, agent_name, created_at
		FROM terminal_output WHERE execution_id = ?`
	args := []any{executionID}
	if stepID != "" {
		query += " AND step_id = ?"
		args = append(args, stepID)
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list terminal output: %w", err)
	}
	defer rows.Close()

	records := []model.TerminalOutputRecord{}
	for rows.Next() {
		var rec model.TerminalOutputRecord
		var stepID, agentName sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.ExecutionID, &stepID, &rec.Kind, &rec.Content, &agentName, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan terminal output: %w", err)
		}
		rec.StepID = stepID.String
		rec.AgentName = agentName.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate terminal output: %w", err)
	}

	return records, nil
}
