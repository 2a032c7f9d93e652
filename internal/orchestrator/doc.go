// Package orchestrator owns the workflow execution state machine. It drives
// each active execution through its steps in a dedicated goroutine, persists
// every state change through the store, and fans lifecycle events out to
// subscribers via the broker. Cancellation is cooperative: tasks observe
// their context at step boundaries and executor suspension points.
package orchestrator
