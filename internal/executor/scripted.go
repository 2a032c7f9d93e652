package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/foreman/internal/model"
)

// Default pacing for the scripted executor.
const (
	defaultTicks        = 4
	defaultTickInterval = 250 * time.Millisecond
)

// ScriptedExecutor is a deterministic built-in executor that simulates agent
// work: it emits staged progress ticks and output chunks, then reports a
// single output artifact. It backs local development and is the default
// executor wired in by the server entrypoint.
type ScriptedExecutor struct {
	// Ticks is the number of progress increments per step; zero means the
	// default.
	Ticks int
	// TickInterval is the pause between increments; zero means the default.
	TickInterval time.Duration
}

// ExecuteStep runs the scripted progression for one step. It checks the
// context at every tick and returns ctx.Err() when cancelled.
func (s *ScriptedExecutor) ExecuteStep(ctx context.Context, spec StepSpec) (StepResult, error) {
	ticks := s.Ticks
	if ticks <= 0 {
		ticks = defaultTicks
	}
	interval := s.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}

	spec.Output(OutputChunk{
		Kind:      model.OutputSystem,
		Content:   fmt.Sprintf("agent %s starting step %q", spec.AgentType, spec.Name),
		AgentName: spec.AgentType,
	})

	for i := 1; i <= ticks; i++ {
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return StepResult{}, ctx.Err()
		}

		spec.Progress(float64(i) * 100 / float64(ticks))
		spec.Output(OutputChunk{
			Kind:      model.OutputAgent,
			Content:   fmt.Sprintf("[%s] working on %s (%d/%d)", spec.AgentType, spec.Name, i, ticks),
			AgentName: spec.AgentType,
		})
	}

	now := time.Now().UTC()
	return StepResult{
		Output: fmt.Sprintf("step %q completed by %s", spec.Name, spec.AgentType),
		Artifacts: []model.Artifact{
			{
				ID:        model.NewID(),
				Name:      spec.Name,
				Kind:      model.ArtifactOutput,
				Content:   fmt.Sprintf("output of %s", spec.Name),
				CreatedAt: now,
			},
		},
	}, nil
}
