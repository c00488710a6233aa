package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated        = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_jobs_created_total", Help: "Jobs created (deduplicated submissions excluded)"})
	JobsDeduplicated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_jobs_deduplicated_total", Help: "Submissions resolved to an existing job"})
	DispatchCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_dispatch_total", Help: "Dispatch messages enqueued by kind"}, []string{"kind"})
	DispatchFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_dispatch_failures_total", Help: "Enqueue attempts rejected by the transport"})
	StatusTransitions  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_status_transitions_total", Help: "Status history rows written by status"}, []string{"status"})
	IllegalTransitions = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_illegal_transitions_total", Help: "Status transitions rejected by the lifecycle table"})
	HeartbeatPings     = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_heartbeat_pings_total", Help: "Heartbeat pings recorded"})
	StaleJobsStopped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_stale_jobs_stopped_total", Help: "Stop intents dispatched for heartbeat-stale jobs"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_rate_limit_rejects_total", Help: "Creation requests rejected by the rate limiter"})
	DeadLetterCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_dispatch_dead_letter_total", Help: "Dispatch messages moved to the DLQ"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_dispatch_ready", Help: "Ready dispatch messages across kinds"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_dispatch_inflight", Help: "Dispatch messages currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsDeduplicated,
			DispatchCounter,
			DispatchFailures,
			StatusTransitions,
			IllegalTransitions,
			HeartbeatPings,
			StaleJobsStopped,
			RateLimitRejects,
			DeadLetterCounter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
