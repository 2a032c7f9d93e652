package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/foreman/internal/executor"
	"github.com/seantiz/foreman/internal/model"
	"github.com/seantiz/foreman/internal/store"
)

// ErrNotTerminal is returned when deletion is attempted on an execution that
// has not reached a terminal status.
var ErrNotTerminal = errors.New("execution is not in a terminal state")

// Orchestrator drives workflow executions through their lifecycle. At most
// one background task runs per execution id; the task registry tracks the
// live ones and is disposable — the persisted record is authoritative.
type Orchestrator struct {
	store    store.Store
	registry *executor.Registry
	broker   *Broker
	logger   *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

// task is the in-memory handle for one live execution goroutine. ctl
// serializes pause/resume so the gate always matches the last persisted
// control transition.
type task struct {
	cancel context.CancelFunc
	gate   *pauseGate
	ctl    sync.Mutex
}

// New creates a new orchestrator.
func New(s store.Store, reg *executor.Registry, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    s,
		registry: reg,
		broker:   NewBroker(),
		logger:   logger,
		tasks:    make(map[string]*task),
	}
}

// Broker returns the orchestrator's event broker for subscription.
func (o *Orchestrator) Broker() *Broker {
	return o.broker
}

// Wait blocks until all in-flight execution goroutines complete.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Create validates the descriptor and persists a new pending execution with
// no steps. When estimatedSteps is zero the node count is used.
func (o *Orchestrator) Create(ctx context.Context, ownerID string, d *model.Descriptor, estimatedSteps int, metadata map[string]string) (*model.WorkflowExecution, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	total := estimatedSteps
	if total <= 0 {
		total = len(d.Nodes)
	}

	now := time.Now().UTC()
	e := &model.WorkflowExecution{
		ID:         model.NewID(),
		OwnerID:    ownerID,
		Status:     model.StatusPending,
		Descriptor: d,
		TotalSteps: total,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := o.store.CreateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return e, nil
}

// Start transitions a pending execution to starting and launches its
// background task. A nil descriptor falls back to the one persisted at
// creation. Returns ErrInvalidTransition when the execution is not pending.
func (o *Orchestrator) Start(ctx context.Context, id string, d *model.Descriptor) error {
	e, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != model.StatusPending {
		return fmt.Errorf("%w: cannot start execution in status %s", store.ErrInvalidTransition, e.Status)
	}

	if d == nil {
		d = e.Descriptor
	}
	if err := d.Validate(); err != nil {
		return err
	}

	// The store rejects the losing side of a concurrent double-start here.
	if err := o.store.UpdateExecutionStatus(ctx, id, model.StatusStarting); err != nil {
		return err
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, gate: newPauseGate()}

	o.mu.Lock()
	o.tasks[id] = t
	o.mu.Unlock()

	executionsStarted.Inc()
	o.wg.Go(func() {
		o.run(taskCtx, id, d, t)
	})

	return nil
}

// run executes the workflow steps sequentially in a goroutine. The registry
// entry is removed and the event topic closed when the task stops, on every
// path.
func (o *Orchestrator) run(ctx context.Context, id string, d *model.Descriptor, t *task) {
	defer func() {
		o.mu.Lock()
		delete(o.tasks, id)
		o.mu.Unlock()
		o.broker.Close(id)
	}()

	bg := context.Background()

	if ctx.Err() != nil {
		// Cancelled before the task ever ran.
		if err := o.store.UpdateExecutionStatus(bg, id, model.StatusCancelled); err != nil {
			o.logger.Error("failed to cancel execution before start", "execution_id", id, "error", err)
		}
		if e, err := o.store.GetExecution(bg, id); err == nil {
			o.emitTerminal(e)
		}
		return
	}

	if err := o.store.UpdateExecutionStatus(bg, id, model.StatusRunning); err != nil {
		o.logger.Error("failed to transition to running", "execution_id", id, "error", err)
		return
	}

	// Re-read so started_at and counters reflect the persisted record.
	e, err := o.store.GetExecution(bg, id)
	if err != nil {
		o.logger.Error("failed to reload execution", "execution_id", id, "error", err)
		return
	}

	// A low step estimate must not let progress exceed 100 or break the
	// completed+failed ≤ total invariant.
	if len(d.Nodes) > e.TotalSteps {
		e.TotalSteps = len(d.Nodes)
	}

	o.emit(id, model.EventExecutionStarted, execEventData(e))

	for _, node := range d.Nodes {
		if err := t.gate.wait(ctx); err != nil {
			o.finishCancelled(e, nil)
			return
		}

		st, fatal := o.runStep(ctx, e, node)
		if ctx.Err() != nil {
			o.finishCancelled(e, st)
			return
		}
		if fatal {
			return
		}
	}

	o.finishCompleted(e)
}

// runStep drives one descriptor node through the step state machine. It
// returns the step record and whether the execution was terminated (the
// failure path already persisted and emitted everything).
func (o *Orchestrator) runStep(ctx context.Context, e *model.WorkflowExecution, node model.Node) (*model.ExecutionStep, bool) {
	bg := context.Background()
	id := e.ID

	name := node.Name
	if name == "" {
		name = node.ID
	}

	st := &model.ExecutionStep{
		ID:          model.NewID(),
		ExecutionID: id,
		Name:        name,
		AgentType:   node.AgentType,
		Status:      model.StepPending,
	}
	if err := o.store.CreateStep(bg, st); err != nil {
		o.logger.Error("failed to persist step", "execution_id", id, "step", name, "error", err)
		o.finishFailed(e, fmt.Sprintf("failed to persist step %q: %v", name, err))
		return st, true
	}

	now := time.Now().UTC()
	st.Status = model.StepRunning
	st.StartedAt = &now
	if err := o.store.UpdateStep(bg, st); err != nil {
		o.logger.Error("failed to mark step running", "execution_id", id, "step_id", st.ID, "error", err)
	}

	e.CurrentStepID = st.ID
	if err := o.store.UpdateExecutionProgress(bg, e); err != nil {
		o.logger.Error("failed to update current step", "execution_id", id, "error", err)
	}

	o.emit(id, model.EventStepStarted, stepEventData(st))

	ex, err := o.registry.Resolve(node.AgentType)
	if err == nil {
		var result executor.StepResult
		result, err = ex.ExecuteStep(ctx, o.stepSpec(st))
		if err == nil {
			o.completeStep(e, st, result)
			return st, false
		}
	}

	if ctx.Err() != nil {
		// Cancelled mid-step; the caller records the skip and unwinds.
		return st, false
	}

	o.failStep(e, st, err)
	return st, true
}

// stepSpec builds the executor spec for a step, wiring the progress and
// output relays. Both hooks run on the task goroutine, so the step record is
// mutated without locking.
func (o *Orchestrator) stepSpec(st *model.ExecutionStep) executor.StepSpec {
	id := st.ExecutionID
	return executor.StepSpec{
		ExecutionID: id,
		StepID:      st.ID,
		Name:        st.Name,
		AgentType:   st.AgentType,
		Progress: func(pct float64) {
			// Ticks never go backwards for a step.
			if pct < st.Progress {
				return
			}
			if pct > 100 {
				pct = 100
			}
			st.Progress = pct
			o.emit(id, model.EventStepProgress, model.StepProgressData{
				ExecutionID: id,
				StepID:      st.ID,
				Progress:    pct,
			})
		},
		Output: func(chunk executor.OutputChunk) {
			kind := chunk.Kind
			if kind == "" {
				kind = model.OutputAgent
			}
			rec := &model.TerminalOutputRecord{
				ExecutionID: id,
				StepID:      st.ID,
				Kind:        kind,
				Content:     chunk.Content,
				AgentName:   chunk.AgentName,
			}
			// A failed write is logged and skipped; it does not abort the step.
			if err := o.store.AppendTerminalOutput(context.Background(), rec); err != nil {
				o.logger.Error("failed to persist terminal output", "execution_id", id, "step_id", st.ID, "error", err)
			}
			o.emit(id, model.EventTerminalOutput, model.TerminalOutputData{
				ExecutionID: id,
				StepID:      st.ID,
				Kind:        kind,
				Content:     chunk.Content,
				AgentName:   chunk.AgentName,
			})
		},
	}
}

// completeStep marks a step completed and folds it into execution progress.
func (o *Orchestrator) completeStep(e *model.WorkflowExecution, st *model.ExecutionStep, result executor.StepResult) {
	bg := context.Background()

	now := time.Now().UTC()
	st.Status = model.StepCompleted
	st.Progress = 100
	st.Output = result.Output
	st.Artifacts = result.Artifacts
	st.FinishedAt = &now
	if st.StartedAt != nil {
		dur := int(now.Sub(*st.StartedAt).Milliseconds())
		st.DurationMS = &dur
	}
	if err := o.store.UpdateStep(bg, st); err != nil {
		o.logger.Error("failed to mark step completed", "execution_id", e.ID, "step_id", st.ID, "error", err)
	}
	o.emit(e.ID, model.EventStepCompleted, stepEventData(st))

	e.CompletedSteps++
	e.Progress = float64(e.CompletedSteps) / float64(e.TotalSteps) * 100
	e.CurrentStepID = ""
	// Progress-only write: a pause persisted while this step was in flight
	// must not be clobbered by the task's stale in-memory status.
	if err := o.store.UpdateExecutionProgress(bg, e); err != nil {
		o.logger.Error("failed to update execution progress", "execution_id", e.ID, "error", err)
	}
}

// failStep marks a step failed and ends the execution; remaining steps are
// aborted.
func (o *Orchestrator) failStep(e *model.WorkflowExecution, st *model.ExecutionStep, cause error) {
	bg := context.Background()

	now := time.Now().UTC()
	st.Status = model.StepFailed
	st.Error = cause.Error()
	st.FinishedAt = &now
	if st.StartedAt != nil {
		dur := int(now.Sub(*st.StartedAt).Milliseconds())
		st.DurationMS = &dur
	}
	if err := o.store.UpdateStep(bg, st); err != nil {
		o.logger.Error("failed to mark step failed", "execution_id", e.ID, "step_id", st.ID, "error", err)
	}
	o.emit(e.ID, model.EventStepFailed, stepEventData(st))

	e.FailedSteps++
	o.finishFailed(e, fmt.Sprintf("step %q failed: %v", st.Name, cause))
}

// finishCompleted marks the execution completed with full progress.
func (o *Orchestrator) finishCompleted(e *model.WorkflowExecution) {
	e.Status = model.StatusCompleted
	e.Progress = 100
	e.Error = ""
	o.finish(e)
}

// finishFailed marks the execution failed with the given message.
func (o *Orchestrator) finishFailed(e *model.WorkflowExecution, errMsg string) {
	e.Status = model.StatusFailed
	e.Error = errMsg
	o.finish(e)
}

// finishCancelled marks the in-flight step skipped (if any) and the
// execution cancelled.
func (o *Orchestrator) finishCancelled(e *model.WorkflowExecution, st *model.ExecutionStep) {
	bg := context.Background()

	if st != nil && st.Status == model.StepRunning {
		now := time.Now().UTC()
		st.Status = model.StepSkipped
		st.Error = "execution cancelled"
		st.FinishedAt = &now
		if err := o.store.UpdateStep(bg, st); err != nil {
			o.logger.Error("failed to mark step skipped", "execution_id", e.ID, "step_id", st.ID, "error", err)
		}
	}

	e.Status = model.StatusCancelled
	o.finish(e)
}

// finish persists the terminal state and emits the matching lifecycle event.
// The task's terminal outcome supersedes a pause persisted while the final
// step was in flight: the state machine is walked paused -> running ->
// terminal rather than overwritten.
func (o *Orchestrator) finish(e *model.WorkflowExecution) {
	bg := context.Background()

	now := time.Now().UTC()
	e.CurrentStepID = ""
	e.FinishedAt = &now
	if e.StartedAt != nil {
		dur := int(now.Sub(*e.StartedAt).Milliseconds())
		e.DurationMS = &dur
	}

	// paused -> cancelled is a direct transition; completed and failed need
	// the bridge through running.
	if e.Status != model.StatusCancelled {
		if cur, err := o.store.GetExecution(bg, e.ID); err == nil && cur.Status == model.StatusPaused {
			if err := o.store.UpdateExecutionStatus(bg, e.ID, model.StatusRunning); err != nil {
				o.logger.Error("failed to release pause before terminal state",
					"execution_id", e.ID, "error", err)
			}
		}
	}

	if err := o.store.UpdateExecution(bg, e); err != nil {
		o.logger.Error("failed to persist terminal state",
			"execution_id", e.ID, "status", e.Status, "error", err)
	}

	executionsFinished.WithLabelValues(e.Status).Inc()
	o.emitTerminal(e)
}

// emitTerminal publishes the lifecycle event matching a terminal status.
func (o *Orchestrator) emitTerminal(e *model.WorkflowExecution) {
	var t model.EventType
	switch e.Status {
	case model.StatusCompleted:
		t = model.EventExecutionCompleted
	case model.StatusFailed:
		t = model.EventExecutionFailed
	case model.StatusCancelled:
		t = model.EventExecutionCancelled
	default:
		return
	}
	o.emit(e.ID, t, execEventData(e))
}

// Pause suspends a running execution at its next step boundary. The current
// step is never interrupted mid-flight.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	e, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != model.StatusRunning {
		return fmt.Errorf("%w: cannot pause execution in status %s", store.ErrInvalidTransition, e.Status)
	}

	o.mu.Lock()
	t := o.tasks[id]
	o.mu.Unlock()
	if t == nil {
		return fmt.Errorf("%w: execution %s has no active task", store.ErrInvalidTransition, id)
	}

	t.ctl.Lock()
	defer t.ctl.Unlock()

	// The store transition arbitrates concurrent control calls: the gate only
	// moves when this call won the running -> paused write.
	if err := o.store.UpdateExecutionStatus(ctx, id, model.StatusPaused); err != nil {
		return err
	}
	t.gate.pause()

	e.Status = model.StatusPaused
	o.emit(id, model.EventExecutionPaused, execEventData(e))
	return nil
}

// Resume releases a paused execution's suspension.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	e, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != model.StatusPaused {
		return fmt.Errorf("%w: cannot resume execution in status %s", store.ErrInvalidTransition, e.Status)
	}

	o.mu.Lock()
	t := o.tasks[id]
	o.mu.Unlock()
	if t == nil {
		return fmt.Errorf("%w: execution %s has no active task", store.ErrInvalidTransition, id)
	}

	t.ctl.Lock()
	defer t.ctl.Unlock()

	if err := o.store.UpdateExecutionStatus(ctx, id, model.StatusRunning); err != nil {
		return err
	}
	t.gate.resume()

	e.Status = model.StatusRunning
	o.emit(id, model.EventExecutionResumed, execEventData(e))
	return nil
}

// Cancel requests cancellation of a non-terminal execution. It returns true
// when this call initiated the cancellation and false when the execution was
// already terminal — a repeated cancel is a no-op, not an error. The live
// task, if any, observes the signal cooperatively and performs the terminal
// persistence itself.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (bool, error) {
	e, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return false, err
	}
	if model.TerminalStatus(e.Status) {
		return false, nil
	}

	o.mu.Lock()
	t := o.tasks[id]
	o.mu.Unlock()

	if t != nil {
		// Release a paused task so it can observe the cancellation.
		t.cancel()
		t.gate.resume()
		return true, nil
	}

	// No live task: a pending execution, or orphaned state after a restart.
	if err := o.store.UpdateExecutionStatus(ctx, id, model.StatusCancelled); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// The task finished between the read above and this update.
			if cur, gerr := o.store.GetExecution(ctx, id); gerr == nil && model.TerminalStatus(cur.Status) {
				return false, nil
			}
		}
		return false, err
	}
	e.Status = model.StatusCancelled
	executionsFinished.WithLabelValues(model.StatusCancelled).Inc()
	o.emit(id, model.EventExecutionCancelled, execEventData(e))
	o.broker.Close(id)
	return true, nil
}

// Get returns an execution scoped to its owner. An execution owned by a
// different user yields the same ErrNotFound as a missing one, so existence
// never leaks across owners.
func (o *Orchestrator) Get(ctx context.Context, id, ownerID string) (*model.WorkflowExecution, error) {
	e, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return e, nil
}

// Steps returns the owner-scoped step list for an execution.
func (o *Orchestrator) Steps(ctx context.Context, id, ownerID string) ([]*model.ExecutionStep, error) {
	if _, err := o.Get(ctx, id, ownerID); err != nil {
		return nil, err
	}
	return o.store.ListSteps(ctx, id)
}

// Delete hard-deletes a terminal execution and its steps and output.
// Non-terminal executions are rejected with ErrNotTerminal.
func (o *Orchestrator) Delete(ctx context.Context, id, ownerID string) error {
	e, err := o.Get(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if !model.TerminalStatus(e.Status) {
		return fmt.Errorf("%w: status is %s", ErrNotTerminal, e.Status)
	}
	return o.store.DeleteExecution(ctx, id)
}

// emit publishes an event stamped with the current time.
func (o *Orchestrator) emit(executionID string, t model.EventType, data any) {
	o.broker.Publish(executionID, model.NewEvent(t, data))
}

func execEventData(e *model.WorkflowExecution) model.ExecutionEventData {
	return model.ExecutionEventData{
		ExecutionID:    e.ID,
		Status:         e.Status,
		Progress:       e.Progress,
		CompletedSteps: e.CompletedSteps,
		FailedSteps:    e.FailedSteps,
		TotalSteps:     e.TotalSteps,
		Error:          e.Error,
	}
}

func stepEventData(st *model.ExecutionStep) model.StepEventData {
	return model.StepEventData{
		ExecutionID: st.ExecutionID,
		StepID:      st.ID,
		Name:        st.Name,
		AgentType:   st.AgentType,
		Status:      st.Status,
		DurationMS:  st.DurationMS,
		Error:       st.Error,
	}
}
