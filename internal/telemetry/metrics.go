package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "piiguard_jobs_enqueued_total", Help: "Jobs created and pushed to the dispatch queue"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "piiguard_jobs_retried_total", Help: "User-requested retries that created a new job"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "piiguard_jobs_cancelled_total", Help: "User-requested cancellations"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "piiguard_jobs_completed_total", Help: "Pipeline jobs finished successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "piiguard_jobs_failed_total", Help: "Pipeline jobs that failed"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "piiguard_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	EventsDropped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "piiguard_events_dropped_total", Help: "Progress events dropped because a subscriber could not keep up"})
	Subscribers      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "piiguard_subscribers", Help: "Connected progress subscribers"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "piiguard_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "piiguard_inflight", Help: "Jobs currently leased by workers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsRetried,
			JobsCancelled,
			JobsCompleted,
			JobsFailed,
			RateLimitRejects,
			EventsDropped,
			Subscribers,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
