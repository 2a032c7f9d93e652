package model

import "time"

// Execution status constants.
const (
	StatusPending   = "pending"
	StatusStarting  = "starting"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Step status constants.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// Terminal output kind constants.
const (
	OutputStdout  = "stdout"
	OutputStderr  = "stderr"
	OutputSystem  = "system"
	OutputAgent   = "agent"
	OutputCommand = "command"
)

// Artifact kind constants.
const (
	ArtifactFile      = "file"
	ArtifactDirectory = "directory"
	ArtifactOutput    = "output"
	ArtifactLog       = "log"
)

// validTransitions maps each execution status to the set of statuses it may
// transition to. Terminal statuses have no outgoing transitions.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusStarting:  true,
		StatusCancelled: true,
	},
	StatusStarting: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusPaused:    true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusPaused: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one execution status to
// another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalStatus reports whether the given execution status is terminal.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// validStepTransitions maps each step status to its allowed successors.
var validStepTransitions = map[string]map[string]bool{
	StepPending: {
		StepRunning: true,
		StepSkipped: true,
	},
	StepRunning: {
		StepCompleted: true,
		StepFailed:    true,
		StepSkipped:   true,
	},
}

// ValidStepTransition reports whether transitioning from one step status to
// another is allowed.
func ValidStepTransition(from, to string) bool {
	targets, ok := validStepTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// WorkflowExecution represents one run of a workflow descriptor.
type WorkflowExecution struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	Status         string            `json:"status"`
	Descriptor     *Descriptor       `json:"descriptor,omitempty"`
	TotalSteps     int               `json:"total_steps"`
	CompletedSteps int               `json:"completed_steps"`
	FailedSteps    int               `json:"failed_steps"`
	Progress       float64           `json:"progress"`
	CurrentStepID  string            `json:"current_step_id,omitempty"`
	Error          string            `json:"error,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	DurationMS     *int              `json:"duration_ms,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

// ExecutionStep represents one agent's unit of work within an execution.
type ExecutionStep struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	Name        string     `json:"name"`
	AgentType   string     `json:"agent_type"`
	Status      string     `json:"status"`
	Progress    float64    `json:"progress"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Artifact is a file, directory, or output blob produced by a step.
type Artifact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path,omitempty"`
	URL       string    `json:"url,omitempty"`
	Size      *int64    `json:"size,omitempty"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TerminalOutputRecord is a single append-only output line attributed to an
// execution, and optionally to one of its steps.
type TerminalOutputRecord struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id,omitempty"`
	Kind        string    `json:"kind"`
	Content     string    `json:"content"`
	AgentName   string    `json:"agent_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
