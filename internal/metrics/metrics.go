package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts webhook deliveries by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total processor webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "billing",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Processor webhook handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookOutcomes counts what the engine did with a verified event:
	// applied, duplicate, stale, unmatched, ignored, failed.
	WebhookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "webhook",
		Name:      "outcomes_total",
		Help:      "Verified webhook events by event type and engine outcome.",
	}, []string{"event_type", "outcome"})

	GatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Payment gateway calls by operation and result.",
	}, []string{"operation", "result"})

	StatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "subscription",
		Name:      "status_transitions_total",
		Help:      "Local subscription status transitions.",
	}, []string{"from", "to"})

	UnknownStatusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "subscription",
		Name:      "unknown_status_total",
		Help:      "Processor statuses outside the known vocabulary, stored as-is.",
	}, []string{"status"})

	// PendingReconciliationTotal counts known events whose processing failed and
	// now rely on a sweep or a manual resend.
	PendingReconciliationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "subscription",
		Name:      "pending_reconciliation_total",
		Help:      "Events that failed processing and need later reconciliation.",
	}, []string{"event_type"})
)
