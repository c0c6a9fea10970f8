package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts inbound gateway webhooks by outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listingpilot",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Gateway webhook deliveries by gateway, event kind and outcome.",
	}, []string{"gateway", "kind", "outcome"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "listingpilot",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Gateway webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"gateway"})

	// VerificationsTotal counts safety-net checks by gateway and result.
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listingpilot",
		Subsystem: "billing",
		Name:      "verifications_total",
		Help:      "Verification checks run before a downgrade, by gateway and result.",
	}, []string{"gateway", "result"})

	// AccessDecisionsTotal counts protected-route decisions.
	AccessDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listingpilot",
		Subsystem: "access",
		Name:      "decisions_total",
		Help:      "Access policy decisions by reason and whether access was granted.",
	}, []string{"reason", "granted"})

	// AccessEvaluationErrorsTotal counts requests allowed because state could not be loaded.
	AccessEvaluationErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "listingpilot",
		Subsystem: "access",
		Name:      "evaluation_errors_total",
		Help:      "Protected requests allowed because user or billing state failed to load.",
	})

	// DowngradesTotal counts downgrade attempts by outcome.
	DowngradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listingpilot",
		Subsystem: "billing",
		Name:      "downgrades_total",
		Help:      "Downgrade checks by outcome (downgraded, kept, skipped, busy, error).",
	}, []string{"outcome"})

	// QueueJobsTotal counts processed background jobs.
	QueueJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listingpilot",
		Subsystem: "jobqueue",
		Name:      "jobs_total",
		Help:      "Background jobs by type and final status.",
	}, []string{"type", "status"})
)
