package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/conduit/internal/model"
)

var (
	maxConcurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conduit_executer_max_concurrent",
			Help: "Current concurrency limit of each executer, by host and mode.",
		},
		[]string{"host", "mode"},
	)

	throttles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_executer_throttles_total",
			Help: "Total number of concurrency reductions caused by scheduler limits.",
		},
		[]string{"host"},
	)

	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_task_retries_total",
			Help: "Total number of policy-approved task resubmissions.",
		},
		[]string{"host"},
	)

	tasksSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_tasks_settled_total",
			Help: "Total number of settled tasks, by final state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(maxConcurrent, throttles, retries, tasksSettled)

	// Pre-initialize label combinations so they appear in /metrics from startup.
	for _, s := range []string{model.StateFinished, model.StateFailed, model.StateUnknown, model.StateNotStarted} {
		tasksSettled.WithLabelValues(s)
	}
}
