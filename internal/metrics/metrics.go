// Package metrics holds the Prometheus collectors of the engine:
//
//	bracketd_fill_events_total{result}                 fill events by outcome
//	bracketd_positions_opened_total{venue,result}      open attempts by outcome
//	bracketd_positions_closed_total{venue,reason}      closes by bracket leg
//	bracketd_stream_reconnects_total                   push transport reconnects
//	bracketd_stream_healthy                            1 while the push transport is connected
//	bracketd_commission_resolved_total{kind,outcome}   commission sweep results
//
// Collectors are registered in init() and served at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	FillEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracketd_fill_events_total",
			Help: "Fill events handled, by result (applied, ignored, unknown, duplicate, error).",
		},
		[]string{"result"},
	)

	PositionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracketd_positions_opened_total",
			Help: "Position open attempts by venue and result.",
		},
		[]string{"venue", "result"},
	)

	PositionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracketd_positions_closed_total",
			Help: "Closed positions by venue and the bracket leg that filled.",
		},
		[]string{"venue", "reason"},
	)

	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bracketd_stream_reconnects_total",
			Help: "Push transport reconnect attempts.",
		},
	)

	StreamHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bracketd_stream_healthy",
			Help: "1 while the push transport is connected, 0 otherwise.",
		},
	)

	CommissionResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracketd_commission_resolved_total",
			Help: "Commission values written by the sweep, by kind (order, entry, position) and outcome (found, no_data).",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		FillEvents,
		PositionsOpened,
		PositionsClosed,
		StreamReconnects,
		StreamHealthy,
		CommissionResolved,
	)
}
