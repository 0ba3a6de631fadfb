// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_syncs_total",
		Help: "Total number of delta sync attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_sync_duration_seconds",
		Help:    "Histogram of delta sync latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_token_refreshes_total",
		Help: "Total number of OAuth access token refreshes by provider and outcome.",
	}, []string{"provider", "outcome"})

	WebhookNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_webhook_notifications_total",
		Help: "Total number of inbound webhook notifications by provider and pipeline outcome.",
	}, []string{"provider", "outcome"})

	SubscriptionRenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_subscription_renewals_total",
		Help: "Total number of webhook subscription renewal attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	RecurrenceFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_recurrence_fallbacks_total",
		Help: "Total number of provider recurrence structures that could not be normalized.",
	}, []string{"provider"})

	ReplayCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calsync_replay_cache_entries",
		Help: "Current number of entries held by the webhook replay cache.",
	})

	SecretOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_secret_operations_total",
		Help: "Total number of secret encrypt/decrypt operations by outcome.",
	}, []string{"operation", "outcome"})

	OutboxPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_outbox_published_total",
		Help: "Total number of outbox messages published to the event stream.",
	}, []string{"outcome"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
