// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine emits. One instance is shared
// across the pipeline, orchestrator, and API.
type Metrics struct {
	SignalsReceived  prometheus.Counter
	SignalsDuplicate prometheus.Counter
	SignalsQueued    prometheus.Counter
	SignalsRejected  *prometheus.CounterVec // by stage
	SignalsExecuted  prometheus.Counter
	SignalsFailed    prometheus.Counter

	OrdersSubmitted *prometheus.CounterVec // by adapter
	OrdersFilled    prometheus.Counter
	OrdersRejected  prometheus.Counter

	PositionsOpen      prometheus.Gauge
	PositionsAutoClose *prometheus.CounterVec // by trigger

	DecisionDuration prometheus.Histogram
	WebhookDuration  prometheus.Histogram
}

// New registers the engine collectors on reg. Passing
// prometheus.DefaultRegisterer wires the standard /metrics endpoint.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SignalsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_signals_received_total",
			Help: "Webhook signals accepted for processing.",
		}),
		SignalsDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_signals_duplicate_total",
			Help: "Signals dropped as duplicates.",
		}),
		SignalsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_signals_queued_total",
			Help: "Signals parked for the next session open.",
		}),
		SignalsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_signals_rejected_total",
			Help: "Signals rejected, labelled by pipeline stage.",
		}, []string{"stage"}),
		SignalsExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_signals_executed_total",
			Help: "Signals that produced an order.",
		}),
		SignalsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_signals_failed_total",
			Help: "Signals that errored mid-pipeline.",
		}),
		OrdersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_submitted_total",
			Help: "Orders submitted, labelled by adapter.",
		}, []string{"adapter"}),
		OrdersFilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_orders_filled_total",
			Help: "Orders that reached FILLED.",
		}),
		OrdersRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Orders rejected by the broker.",
		}),
		PositionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_positions_open",
			Help: "Currently open positions.",
		}),
		PositionsAutoClose: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_positions_autoclose_total",
			Help: "Automated closes, labelled by exit trigger.",
		}, []string{"trigger"}),
		DecisionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_decision_duration_seconds",
			Help:    "Wall time of the decision chain per signal.",
			Buckets: prometheus.DefBuckets,
		}),
		WebhookDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_webhook_duration_seconds",
			Help:    "Webhook handling latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
}
