package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters the periodic jobs and the claim flow report.
type Metrics struct {
	registry *prometheus.Registry

	SchedulerRuns      prometheus.Counter
	NotificationsSent  prometheus.Counter
	NotificationErrors prometheus.Counter
	TokensIssued       prometheus.Counter
	TokensPurged       prometheus.Counter
	SeatsClaimed       prometheus.Counter
	SeatsFreed         prometheus.Counter
	SweepErrors        prometheus.Counter
}

// New constructs the metric set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		SchedulerRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "registrar_scheduler_runs_total",
			Help: "Completed notification scheduler runs.",
		}),
		NotificationsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "registrar_notifications_sent_total",
			Help: "Waitlist seat-offer notifications handed to the notifier.",
		}),
		NotificationErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "registrar_notification_errors_total",
			Help: "Per-user notification failures (logged and skipped).",
		}),
		TokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "registrar_claim_tokens_issued_total",
			Help: "Claim tokens issued by the scheduler.",
		}),
		TokensPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "registrar_claim_tokens_purged_total",
			Help: "Expired claim tokens removed.",
		}),
		SeatsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "registrar_seats_claimed_total",
			Help: "Successful claim-token redemptions.",
		}),
		SeatsFreed: factory.NewCounter(prometheus.CounterOpts{
			Name: "registrar_seats_freed_total",
			Help: "Seats freed by the expiry sync sweeps.",
		}),
		SweepErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "registrar_sweep_errors_total",
			Help: "Per-item errors skipped by the expiry sync sweeps.",
		}),
	}
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
