package model

import "time"

// EventType identifies an outbound control-channel message.
type EventType string

// Connection-scoped reply types.
const (
	EventConnected EventType = "connected"
	EventStartAck  EventType = "execution_start_acknowledged"
	EventPauseAck  EventType = "pause_acknowledged"
	EventResumeAck EventType = "resume_acknowledged"
	EventCancelAck EventType = "cancel_acknowledged"
	EventStatus    EventType = "status_response"
	EventPong      EventType = "pong"
	EventHeartbeat EventType = "heartbeat"
	EventError     EventType = "error"
)

// Execution lifecycle event types, emitted by the orchestrator and fanned out
// to every subscriber of the execution.
const (
	EventExecutionStarted   EventType = "execution_started"
	EventStepStarted        EventType = "step_started"
	EventStepProgress       EventType = "step_progress"
	EventStepCompleted      EventType = "step_completed"
	EventStepFailed         EventType = "step_failed"
	EventTerminalOutput     EventType = "terminal_output"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventExecutionPaused    EventType = "execution_paused"
	EventExecutionResumed   EventType = "execution_resumed"
	EventExecutionCancelled EventType = "execution_cancelled"
)

// Event is a single outbound message. Data is a closed union: exactly one of
// the *Data payload types below, matching Type.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now().UTC()}
}

// ExecutionEventData is the payload for execution lifecycle events
// (execution_started, execution_completed, execution_failed,
// execution_paused, execution_resumed, execution_cancelled).
type ExecutionEventData struct {
	ExecutionID    string  `json:"execution_id"`
	Status         string  `json:"status"`
	Progress       float64 `json:"progress"`
	CompletedSteps int     `json:"completed_steps"`
	FailedSteps    int     `json:"failed_steps"`
	TotalSteps     int     `json:"total_steps"`
	Error          string  `json:"error,omitempty"`
}

// StepEventData is the payload for step_started, step_completed, and
// step_failed events.
type StepEventData struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Name        string `json:"name"`
	AgentType   string `json:"agent_type"`
	Status      string `json:"status"`
	DurationMS  *int   `json:"duration_ms,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StepProgressData is the payload for step_progress events. Progress values
// for one step are non-decreasing until the step reaches a terminal status.
type StepProgressData struct {
	ExecutionID string  `json:"execution_id"`
	StepID      string  `json:"step_id"`
	Progress    float64 `json:"progress"`
}

// TerminalOutputData is the payload for terminal_output events.
type TerminalOutputData struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id,omitempty"`
	Kind        string `json:"kind"`
	Content     string `json:"content"`
	AgentName   string `json:"agent_name,omitempty"`
}

// ConnectedData is the payload for the connected handshake message.
type ConnectedData struct {
	ExecutionID  string `json:"execution_id"`
	ConnectionID string `json:"connection_id"`
}

// StatusData is the payload for status_response messages.
type StatusData struct {
	Execution *WorkflowExecution `json:"execution"`
	Steps     []*ExecutionStep   `json:"steps"`
}

// CancelAckData is the payload for cancel_acknowledged messages. Cancelled is
// false when the execution was already in a terminal state.
type CancelAckData struct {
	ExecutionID string `json:"execution_id"`
	Cancelled   bool   `json:"cancelled"`
}

// ErrorData is the payload for error messages.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
