package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	setupOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_sandbox_setups_total",
			Help: "Sandbox policy applications by outcome",
		},
		[]string{"outcome"},
	)

	setupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_sandbox_setup_seconds",
			Help:    "Time to apply a sandbox policy to a unit",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	policyViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_sandbox_policy_violations_total",
			Help: "Denied operations attempted by guest processes",
		},
	)
)

func init() {
	prometheus.MustRegister(setupOutcomes)
	prometheus.MustRegister(setupDuration)
	prometheus.MustRegister(policyViolations)

	for _, outcome := range []string{"applied", "failed"} {
		setupOutcomes.WithLabelValues(outcome)
	}
}
