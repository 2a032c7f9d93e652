package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/foreman/internal/model"
)

// reconcileBatchSize bounds one sweep page.
const reconcileBatchSize = 500

// Reconcile fails executions left in starting or running by a previous
// process: their task registries vanished with the process, so nothing will
// ever drive them again. Paused executions are left alone — they remain
// cancellable through the normal path. Returns the number of executions
// swept.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	swept := 0
	for _, status := range []string{model.StatusStarting, model.StatusRunning} {
		for {
			orphans, _, err := o.store.ListExecutions(ctx, "", status, reconcileBatchSize, 0)
			if err != nil {
				return swept, fmt.Errorf("list %s executions: %w", status, err)
			}
			if len(orphans) == 0 {
				break
			}

			sweptThisPass := 0
			for _, e := range orphans {
				o.mu.Lock()
				_, live := o.tasks[e.ID]
				o.mu.Unlock()
				if live {
					continue
				}

				now := time.Now().UTC()
				e.Status = model.StatusFailed
				e.Error = "orphaned by process restart"
				e.CurrentStepID = ""
				e.FinishedAt = &now
				if err := o.store.UpdateExecution(ctx, e); err != nil {
					o.logger.Error("failed to reconcile orphaned execution",
						"execution_id", e.ID, "error", err)
					continue
				}
				orphansReconciled.Inc()
				swept++
				sweptThisPass++
				o.logger.Warn("marked orphaned execution failed",
					"execution_id", e.ID, "previous_status", status)
			}

			// Stop once a full pass makes no progress, so persistent update
			// failures cannot spin the sweep.
			if len(orphans) < reconcileBatchSize || sweptThisPass == 0 {
				break
			}
		}
	}
	return swept, nil
}
