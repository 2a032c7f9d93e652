// Package executor defines the contract between the orchestrator and the
// external agents that perform the actual work of each step, along with the
// registry that resolves an agent type to its executor implementation.
package executor

import (
	"context"

	"github.com/seantiz/foreman/internal/model"
)

// OutputChunk is one unit of output emitted by an executor while a step runs.
type OutputChunk struct {
	Kind      string
	Content   string
	AgentName string
}

// StepSpec describes one step handed to an executor. The Progress and Output
// hooks are invoked synchronously from the executor; the orchestrator relays
// them as step_progress events and terminal output records.
type StepSpec struct {
	ExecutionID string
	StepID      string
	Name        string
	AgentType   string

	// Progress reports a completion percentage in [0, 100]. Values that go
	// backwards are clamped by the orchestrator.
	Progress func(pct float64)

	// Output emits a chunk of terminal output attributed to the step.
	Output func(chunk OutputChunk)
}

// StepResult is the terminal result of a successful step.
type StepResult struct {
	Output    string
	Artifacts []model.Artifact
}

// StepExecutor performs the work of a single step. Implementations must honor
// context cancellation at their suspension points and return ctx.Err() when
// interrupted, so that cancelled executions unwind cleanly.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, spec StepSpec) (StepResult, error)
}
