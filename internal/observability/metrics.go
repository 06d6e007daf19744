// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Monitoring cycle metrics
	CyclesRun          prometheus.Counter
	PositionsEvaluated prometheus.Counter
	ProposalsProduced  *prometheus.CounterVec
	CycleDuration      prometheus.Histogram

	// Approval queue metrics
	QueueTransitions *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	ExpiredSwept     prometheus.Counter

	// Eco-batch metrics
	BatchesRun    prometheus.Counter
	BatchSize     prometheus.Histogram
	BatchFailures prometheus.Counter
	EcoQueueDepth prometheus.Gauge

	// Stop-loss metrics
	StopLossChecks   prometheus.Counter
	StopLossTriggers prometheus.Counter

	// Collaborator metrics
	CollaboratorErrors *prometheus.CounterVec
}

// New registers and returns the engine metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CyclesRun: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_cycles_run_total",
			Help: "Number of completed monitoring cycles.",
		}),
		PositionsEvaluated: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_positions_evaluated_total",
			Help: "Number of position evaluations performed.",
		}),
		ProposalsProduced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_proposals_produced_total",
			Help: "Number of rebalance proposals produced, by reason.",
		}, []string{"reason"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rebalancer_cycle_duration_seconds",
			Help:    "Monitoring cycle wall-clock duration.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_queue_transitions_total",
			Help: "Approval queue state transitions, by target state.",
		}, []string{"to"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rebalancer_queue_pending_entries",
			Help: "Non-terminal entries currently tracked by the approval queue.",
		}),
		ExpiredSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_queue_expired_swept_total",
			Help: "Pending entries expired by the background sweep.",
		}),
		BatchesRun: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_eco_batches_run_total",
			Help: "Number of eco-batch drains executed.",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rebalancer_eco_batch_size",
			Help:    "Proposals processed per eco batch.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		BatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_eco_batch_failures_total",
			Help: "Individual proposal failures inside eco batches.",
		}),
		EcoQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rebalancer_eco_queue_depth",
			Help: "Proposals waiting in the eco-batch queue.",
		}),
		StopLossChecks: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_stop_loss_checks_total",
			Help: "Stop-loss evaluation sweeps completed.",
		}),
		StopLossTriggers: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_stop_loss_triggers_total",
			Help: "Stop-loss thresholds crossed.",
		}),
		CollaboratorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_collaborator_errors_total",
			Help: "Transient collaborator failures, by collaborator.",
		}, []string{"collaborator"}),
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
