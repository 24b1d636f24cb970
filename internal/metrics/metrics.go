// Package metrics holds the prometheus collectors for the inbox.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "inbox"

var (
	// Live sessions currently registered
	LiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "live_sessions",
			Help:      "Number of live websocket sessions",
		},
	)

	SessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "sessions_closed_total",
			Help:      "Sessions closed by reason",
		},
		[]string{"reason"},
	)

	SessionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "sessions_rejected_total",
			Help:      "Session registrations rejected",
		},
		[]string{"reason"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_published_total",
			Help:      "Events fanned out to live sessions",
		},
		[]string{"type"},
	)

	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Messages handled by the ingestion pipeline",
		},
		[]string{"platform", "direction", "outcome"},
	)

	ResponderDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "responder_decisions_total",
			Help:      "Responder decisions by source",
		},
		[]string{"source"},
	)

	ResponderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "responder_duration_seconds",
			Help:      "Latency of external responder calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "status"},
	)

	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funnel",
			Name:      "steps_executed_total",
			Help:      "Funnel steps executed",
		},
		[]string{"step_type", "outcome"},
	)

	SchedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funnel",
			Name:      "scheduler_runs_total",
			Help:      "Scheduler polls by outcome",
		},
		[]string{"outcome"},
	)

	EnrollmentConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funnel",
			Name:      "enrollment_conflicts_total",
			Help:      "Optimistic concurrency conflicts on enrollments",
		},
	)
)

// RecordResponder records one external responder call
func RecordResponder(provider, status string, d time.Duration) {
	ResponderDuration.WithLabelValues(provider, status).Observe(d.Seconds())
}

// RecordIngest records the outcome of one ingested message
func RecordIngest(platform, direction, outcome string) {
	MessagesIngested.WithLabelValues(platform, direction, outcome).Inc()
}

// RecordStep records a funnel step execution
func RecordStep(stepType, outcome string) {
	StepsExecuted.WithLabelValues(stepType, outcome).Inc()
}
