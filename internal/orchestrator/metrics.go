package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_executions_started_total",
			Help: "Total number of execution tasks launched.",
		},
	)

	executionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_executions_finished_total",
			Help: "Total number of executions that reached a terminal status.",
		},
		[]string{"status"},
	)

	orphansReconciled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_orphaned_executions_total",
			Help: "Total number of orphaned executions failed by the startup sweep.",
		},
	)
)

func init() {
	prometheus.MustRegister(executionsStarted)
	prometheus.MustRegister(executionsFinished)
	prometheus.MustRegister(orphansReconciled)
}
