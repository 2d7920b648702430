package sched

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	placements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_sched_placements_total",
			Help: "Placement attempts by node and outcome",
		},
		[]string{"node", "outcome"},
	)

	degradedNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_sched_degraded_nodes",
			Help: "Number of nodes currently excluded from scheduling",
		},
	)
)

func init() {
	prometheus.MustRegister(placements)
	prometheus.MustRegister(degradedNodes)
}
