package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	warmUnits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crucible_pool_warm_units",
			Help: "Warm units available for acquisition, by runtime.",
		},
		[]string{"runtime"},
	)

	acquiredUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_pool_acquired_units",
			Help: "Units currently lent out to executions.",
		},
	)

	unitCreations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_pool_unit_creations_total",
			Help: "Unit creations by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)

	unitDestructions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_pool_unit_destructions_total",
			Help: "Unit destructions by reason.",
		},
		[]string{"reason"},
	)

	acquireWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_pool_acquire_wait_seconds",
			Help:    "Time callers spent in Acquire, warm hits and cold boots alike.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(warmUnits)
	prometheus.MustRegister(acquiredUnits)
	prometheus.MustRegister(unitCreations)
	prometheus.MustRegister(unitDestructions)
	prometheus.MustRegister(acquireWait)
}
