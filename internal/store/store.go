package store

import (
	"context"
	"errors"

	"github.com/seantiz/foreman/internal/model"
)

// ErrNotFound is returned when an execution or step does not exist.
var ErrNotFound = errors.New("execution not found")

// ErrInvalidTransition is returned when an execution status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ExecutionStats holds aggregate execution statistics for one owner.
type ExecutionStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for executions, steps, and
// terminal output. It is the source of truth after any crash; in-memory
// orchestration state is rebuilt against it.
type Store interface {
	CreateExecution(ctx context.Context, e *model.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error)
	// ListExecutions returns a page of executions plus the total match count.
	// Empty ownerID matches all owners; empty status matches all statuses.
	ListExecutions(ctx context.Context, ownerID, status string, limit, offset int) ([]*model.WorkflowExecution, int, error)
	UpdateExecution(ctx context.Context, e *model.WorkflowExecution) error
	// UpdateExecutionProgress persists the progress counters and current step
	// of an execution without touching its status; only UpdateExecution and
	// UpdateExecutionStatus move the state machine.
	UpdateExecutionProgress(ctx context.Context, e *model.WorkflowExecution) error
	// UpdateExecutionMetadata persists only the metadata of an execution.
	UpdateExecutionMetadata(ctx context.Context, e *model.WorkflowExecution) error
	UpdateExecutionStatus(ctx context.Context, id, status string) error
	DeleteExecution(ctx context.Context, id string) error
	GetExecutionStats(ctx context.Context, ownerID string) (*ExecutionStats, error)

	CreateStep(ctx context.Context, st *model.ExecutionStep) error
	UpdateStep(ctx context.Context, st *model.ExecutionStep) error
	ListSteps(ctx context.Context, executionID string) ([]*model.ExecutionStep, error)

	AppendTerminalOutput(ctx context.Context, rec *model.TerminalOutputRecord) error
	// ListTerminalOutput returns output lines for an execution in append
	// order. Empty stepID matches all steps; limit bounds the result size.
	ListTerminalOutput(ctx context.Context, executionID, stepID string, limit int) ([]model.TerminalOutputRecord, error)

	Close() error
}
