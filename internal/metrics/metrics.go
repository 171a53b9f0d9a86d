// Package metrics holds the Prometheus collectors for notification dispatch.
//
// Label values are small fixed sets: kind is "attendance", "immediate" or
// "birthday"; outcome is "sent", "sent_unrecorded", "skipped", "filtered" or
// "failed". "sent_unrecorded" is a delivered message whose ledger write failed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Delivery outcomes.
const (
	OutcomeSent           = "sent"
	OutcomeSentUnrecorded = "sent_unrecorded"
	OutcomeSkipped        = "skipped"
	OutcomeFiltered       = "filtered"
	OutcomeFailed         = "failed"
)

var (
	// Deliveries counts per-recipient dispatch outcomes.
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_deliveries_total",
			Help: "Per-recipient notification outcomes.",
		},
		[]string{"kind", "outcome"},
	)

	// Polls counts attendance fetches per group by result ("ok" or "error").
	Polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_attendance_polls_total",
			Help: "Attendance fetches per group by result.",
		},
		[]string{"result"},
	)

	// BirthdayRuns counts birthday trigger executions by result.
	BirthdayRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_birthday_runs_total",
			Help: "Birthday trigger executions by result.",
		},
		[]string{"result"},
	)

	// WebhookRequests counts push-trigger requests by route and status code.
	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_webhook_requests_total",
			Help: "Push-trigger HTTP requests by route and status.",
		},
		[]string{"path", "status"},
	)

	// PollDuration observes how long one attendance cycle takes.
	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notify_attendance_cycle_seconds",
			Help:    "Duration of one attendance poll cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(Deliveries, Polls, BirthdayRuns, WebhookRequests, PollDuration)
}
