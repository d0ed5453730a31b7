package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	IngestAccepted    *prometheus.CounterVec
	IngestDuplicates  prometheus.Counter
	OutboxPublished   *prometheus.CounterVec
	OutboxCleaned     prometheus.Counter
	DispatchOutcomes  *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec
	RateLimitDeferred *prometheus.CounterVec
	ScheduledDepth    prometheus.Gauge
	WebhookDeliveries *prometheus.CounterVec
	RecoveryActions   *prometheus.CounterVec
	AlertsRaised      *prometheus.CounterVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_accepted_total",
			Help: "Notifications accepted at the ingest surface.",
		}, []string{"channel"}),

		IngestDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_duplicates_total",
			Help: "Ingest attempts rejected as (request_id, channel) duplicates.",
		}),

		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox rows published to the bus.",
		}, []string{"topic"}),

		OutboxCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_cleaned_total",
			Help: "Published outbox rows removed by retention cleanup.",
		}),

		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_outcomes_total",
			Help: "Dispatch outcomes per channel: delivered, failed, retried, duplicate.",
		}, []string{"channel", "outcome"}),

		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provider_send_seconds",
			Help:    "Provider send latency, including fallback attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),

		RateLimitDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_deferred_total",
			Help: "Dispatch attempts deferred because the channel bucket was empty.",
		}, []string{"channel"}),

		ScheduledDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduled_queue_depth",
			Help: "Current number of entries in the scheduled queue.",
		}),

		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook POST attempts by outcome: ok, error, skipped.",
		}, []string{"outcome"}),

		RecoveryActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recovery_actions_total",
			Help: "Reconciler repair actions: ghost_heal, reset_pending.",
		}, []string{"action"}),

		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_raised_total",
			Help: "Alerts raised by the reconciler, by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.IngestAccepted,
		m.IngestDuplicates,
		m.OutboxPublished,
		m.OutboxCleaned,
		m.DispatchOutcomes,
		m.ProviderLatency,
		m.RateLimitDeferred,
		m.ScheduledDepth,
		m.WebhookDeliveries,
		m.RecoveryActions,
		m.AlertsRaised,
	)

	return m
}
