// Package metrics defines the Prometheus collectors exported by labcal.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantumlife/labcal/internal/logging"
)

const namespace = "labcal"

var (
	SyncPassesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_passes_total",
		Help:      "Sync passes by kind (initial, incremental) and outcome.",
	}, []string{"kind", "outcome"})

	SyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_pass_duration_seconds",
		Help:      "Duration of complete sync passes for one connection.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	SyncTriggersCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_triggers_coalesced_total",
		Help:      "Sync triggers folded into an already running or pending pass.",
	})

	EventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mirror_events_applied_total",
		Help:      "Mirrored event writes by operation (upsert, delete, prune).",
	}, []string{"op"})

	TokenRefreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refreshes_total",
		Help:      "Access token refresh attempts by outcome.",
	}, []string{"outcome"})

	WebhookNotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_notifications_total",
		Help:      "Inbound push notifications by outcome.",
	}, []string{"outcome"})

	ChannelRenewalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_channel_renewals_total",
		Help:      "Channel renewals by outcome.",
	}, []string{"outcome"})

	MigrationResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_migration_results_total",
		Help:      "Per-connection credential migration outcomes.",
	}, []string{"outcome"})

	SecretOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "secret_store_operations_total",
		Help:      "Secret store operations by operation and outcome.",
	}, []string{"op", "outcome"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SyncPassesTotal,
		SyncDuration,
		SyncTriggersCoalesced,
		EventsApplied,
		TokenRefreshesTotal,
		WebhookNotificationsTotal,
		ChannelRenewalsTotal,
		MigrationResultsTotal,
		SecretOpsTotal,
	}
}

// Register adds all collectors to reg. Registering twice is harmless.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		logging.Warn("prometheus registry is nil, metrics not registered")
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			logging.WithError(err).Warn("failed to register metric")
		}
	}
}

// Outcome maps an error to a metric label.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}
