package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obtrader_job_runs_total",
			Help: "Total job cycles by job name and result.",
		},
		[]string{"job", "result"},
	)

	OrderBlocksDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obtrader_order_blocks_detected_total",
			Help: "Order blocks persisted by type and timeframe.",
		},
		[]string{"type", "timeframe"},
	)

	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obtrader_orders_submitted_total",
			Help: "Orders submitted to the exchange by event type.",
		},
		[]string{"event"},
	)

	PositionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "obtrader_positions_open",
			Help: "Current number of open positions.",
		},
	)

	EquityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "obtrader_equity",
			Help: "Last observed account balance.",
		},
	)

	ProtectionBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obtrader_protection_blocks_total",
			Help: "Entry cycles refused by the protection gate, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(JobRuns, OrderBlocksDetected, OrdersSubmitted,
		PositionsOpen, EquityGauge, ProtectionBlocks)
}
