package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_enqueued_total", Help: "Jobs enqueued"}, []string{"queue"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobsCompleted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	JobsFailed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_failed_total", Help: "Job attempts that failed"}, []string{"queue"})
	JobsRetried       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_retried_total", Help: "Jobs rescheduled for another attempt"}, []string{"queue"})
	JobsDeadLettered  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_dead_letter_total", Help: "Jobs moved to the DLQ"}, []string{"queue"})
	JobsArchived      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_archived_total", Help: "Replayed jobs that failed again and were archived"}, []string{"queue"})
	DLQReplayed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_dlq_replayed_total", Help: "DLQ entries re-enqueued by the sweep"})
	LeasesReclaimed   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_leases_reclaimed_total", Help: "Expired leases put back on the ready list"}, []string{"queue"})
	QueueDepthGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Ready jobs per queue"}, []string{"queue"})
	InFlightGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_inflight", Help: "Jobs currently leased per queue"}, []string{"queue"})
	DLQDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_dlq_depth", Help: "Entries waiting in the DLQ"})
	BreakerState      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_breaker_state", Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)"}, []string{"name"})
	MessagesDuplicate = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_messages_duplicate_total", Help: "Message jobs whose id was already persisted"})
	Notifications     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_notifications_total", Help: "Notification sends by platform and outcome"}, []string{"platform", "outcome"})
	TokensDeactivated = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_tokens_deactivated_total", Help: "Device tokens deactivated"}, []string{"reason"})
	PresenceSwept     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_presence_swept_total", Help: "Users forced offline by the stale sweep"})
	RoleRestarts      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_role_restarts_total", Help: "Supervised roles restarted after exiting"}, []string{"role"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsDeadLettered,
			JobsArchived,
			DLQReplayed,
			LeasesReclaimed,
			QueueDepthGauge,
			InFlightGauge,
			DLQDepthGauge,
			BreakerState,
			MessagesDuplicate,
			Notifications,
			TokensDeactivated,
			PresenceSwept,
			RoleRestarts,
		)
	})
	return promhttp.Handler()
}
