package supervise

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/emberhost/crucible/internal/model"
)

var (
	terminalStates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_executions_total",
			Help: "Finished executions by terminal state",
		},
		[]string{"state"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_execution_run_seconds",
			Help:    "Wall-clock time of the supervised run phase",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
	)
)

func init() {
	prometheus.MustRegister(terminalStates)
	prometheus.MustRegister(runDuration)

	for _, state := range []string{
		model.StateCompleted,
		model.StateTimedOut,
		model.StateKilled,
		model.StateCrashed,
		model.StateFailed,
	} {
		terminalStates.WithLabelValues(state)
	}
}
