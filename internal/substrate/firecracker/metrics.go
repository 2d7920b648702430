package firecracker

import "github.com/prometheus/client_golang/prometheus"

var (
	unitBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_fc_unit_boot_seconds",
			Help:    "Duration from VM start to guest agent ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_fc_active_units",
			Help: "Number of currently running Firecracker microVM units.",
		},
	)

	execDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_fc_exec_seconds",
			Help:    "Guest execution time from exec request send to final result, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	unitTeardownDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_fc_unit_teardown_seconds",
			Help:    "Duration of VM stop and network teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	policyApplications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_fc_policy_applications_total",
			Help: "Sandbox policy applications by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(unitBootDuration)
	prometheus.MustRegister(activeUnits)
	prometheus.MustRegister(execDuration)
	prometheus.MustRegister(unitTeardownDuration)
	prometheus.MustRegister(policyApplications)

	// Pre-initialize label combinations so they appear in /metrics with value
	// 0 from startup, rather than only after first observation.
	policyApplications.WithLabelValues("applied")
	policyApplications.WithLabelValues("failed")
}
