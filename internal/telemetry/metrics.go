package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crucible_phase_seconds",
			Help:    "Wall-clock duration of each execution phase",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"phase"},
	)

	emittedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_telemetry_emitted_total",
			Help: "Metrics records handed to the emitter",
		},
	)

	droppedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_telemetry_dropped_total",
			Help: "Metrics records dropped because the buffer was full",
		},
	)

	emitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_telemetry_emit_failures_total",
			Help: "Emitter errors while persisting metrics records",
		},
	)
)

func init() {
	prometheus.MustRegister(phaseDuration)
	prometheus.MustRegister(emittedRecords)
	prometheus.MustRegister(droppedRecords)
	prometheus.MustRegister(emitFailures)

	for _, phase := range []string{PhaseDequeued, PhaseAcquired, PhaseSetupDone, PhaseRunDone, PhaseCleanupDone} {
		phaseDuration.WithLabelValues(phase)
	}
}
