package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		decompositionOutcomes,
		decompositionDuration,
		decompositionParseErrors,
		decompositionLeaseConflicts,
		goalsCreatedTotal,
		queueDequeuedTotal,
		sweeperRequeuedTotal,
	)
}

var (
	decompositionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decomposition_outcomes_total",
			Help: "ProcessGoal results by outcome.",
		},
		[]string{"outcome"}, // completed|failed|retry_scheduled|skipped|deferred
	)

	decompositionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decomposition_duration_seconds",
			Help:    "Wall time of one ProcessGoal invocation.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	decompositionParseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decomposition_parse_errors_total",
			Help: "Rejected model outputs by parse error kind.",
		},
		[]string{"kind"}, // malformed|wrong_count|empty_title
	)

	decompositionLeaseConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decomposition_lease_conflicts_total",
			Help: "Attempts that lost a lease or conditional transition.",
		},
		[]string{"stage"}, // lease|mark_processing|commit|requeue|mark_failed
	)

	goalsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "goals_created_total",
			Help: "Total number of goals accepted for decomposition.",
		},
	)

	queueDequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_total",
			Help: "Job queue operations by kind.",
		},
		[]string{"op"}, // dequeue|ack|nack|enqueue
	)

	sweeperRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sweeper_requeued_total",
			Help: "Stale goals re-enqueued by the lease sweeper.",
		},
	)
)

func ObserveDecomposition(outcome string, elapsed time.Duration) {
	decompositionOutcomes.WithLabelValues(norm(outcome)).Inc()
	decompositionDuration.WithLabelValues(norm(outcome)).Observe(elapsed.Seconds())
}

func IncParseError(kind string) {
	decompositionParseErrors.WithLabelValues(norm(kind)).Inc()
}

func IncLeaseConflict(stage string) {
	decompositionLeaseConflicts.WithLabelValues(norm(stage)).Inc()
}

func IncGoalsCreated() {
	goalsCreatedTotal.Inc()
}

func IncQueueOp(op string) {
	queueDequeuedTotal.WithLabelValues(norm(op)).Inc()
}

func AddSweeperRequeued(n int) {
	sweeperRequeuedTotal.Add(float64(n))
}
