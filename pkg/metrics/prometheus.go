package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ApplicationsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prequal_applications_submitted_total",
			Help: "Total number of applications accepted by intake",
		},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prequal_publish_failures_total",
			Help: "Total number of failed publish attempts by topic",
		},
		[]string{"topic"},
	)

	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prequal_messages_processed_total",
			Help: "Total number of consumed messages by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	MessageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prequal_message_duration_seconds",
			Help:    "Message handling duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 16),
		},
		[]string{"topic"},
	)

	CreditScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prequal_credit_scores",
			Help:    "Distribution of computed credit scores",
			Buckets: prometheus.LinearBuckets(300, 50, 13),
		},
	)

	ScoringFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prequal_scoring_failures_total",
			Help: "Total number of credit checks that produced no score",
		},
	)

	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prequal_decisions_total",
			Help: "Total number of decisions by status and store outcome",
		},
		[]string{"status", "outcome"},
	)

	DecisionHold = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prequal_decision_hold_seconds",
			Help:    "Time spent holding a credit report before deciding",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	OutboxRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prequal_outbox_relayed_total",
			Help: "Total number of outbox events relayed by result",
		},
		[]string{"result"},
	)

	ApplicationsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prequal_applications",
			Help: "Number of stored applications by status",
		},
		[]string{"status"},
	)

	CollectorRefreshFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prequal_status_collector_failures_total",
			Help: "Total number of failed application count refreshes",
		},
	)
)
