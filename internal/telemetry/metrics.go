package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scribeq_jobs_enqueued_total", Help: "Jobs enqueued, by lane and type"},
		[]string{"lane", "type"})
	JobsSucceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scribeq_jobs_succeeded_total", Help: "Jobs completed successfully, by lane"},
		[]string{"lane"})
	JobsRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scribeq_jobs_retried_total", Help: "Job attempts that failed and were rescheduled, by lane"},
		[]string{"lane"})
	JobsDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scribeq_jobs_dead_lettered_total", Help: "Jobs that exhausted retries, by lane"},
		[]string{"lane"})
	JobsLost = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scribeq_jobs_lost_total", Help: "Ack-early jobs lost to worker death (operational alert)"})

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "scribeq_queue_depth", Help: "Ready queue depth per lane"},
		[]string{"lane"})
	PoolWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "scribeq_pool_workers", Help: "Live workers per lane pool"},
		[]string{"lane"})
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "scribeq_inflight", Help: "Jobs currently leased"})

	CreditsReserved = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scribeq_credits_reserved_total", Help: "Credits debited by reservations"})
	CreditsRefunded = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scribeq_credits_refunded_total", Help: "Credits returned by refunds"})
	RateLimitRejects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scribeq_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsSucceeded,
			JobsRetried,
			JobsDeadLettered,
			JobsLost,
			QueueDepth,
			PoolWorkers,
			InFlight,
			CreditsReserved,
			CreditsRefunded,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
