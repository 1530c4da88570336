package syncmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "membersync",
		Name:      "webhook_requests_total",
		Help:      "Total webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "membersync",
		Name:      "webhook_duration_seconds",
		Help:      "Webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ReconcileTotal counts account reconciliation outcomes.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "membersync",
		Name:      "reconcile_total",
		Help:      "Account reconciliation outcomes (applied/skipped/failed).",
	}, []string{"outcome"})

	// ReferralCreditsTotal counts referral credit attempts by outcome.
	ReferralCreditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "membersync",
		Name:      "referral_credits_total",
		Help:      "Referral credit attempts (credited/duplicate/not_found/error).",
	}, []string{"outcome"})

	// FreeMonthsGrantedTotal counts free months applied to referrer subscriptions.
	FreeMonthsGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "membersync",
		Name:      "free_months_granted_total",
		Help:      "Free months applied to referrer subscriptions.",
	})

	// CampaignSyncTotal counts campaign sync attempts by outcome.
	CampaignSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "membersync",
		Name:      "campaign_sync_total",
		Help:      "Campaign sync attempts (ok/error).",
	}, []string{"outcome"})
)
