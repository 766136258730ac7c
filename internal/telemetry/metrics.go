package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs accepted for execution"})
	JobsClaimed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs claimed by robots over the pull API"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Job failures reported by robots"})
	JobsRetried       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "New jobs created by administrative retry"})
	LeaseReclaims     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_lease_reclaims_total", Help: "Running jobs reclaimed after lease expiry"})
	DistributeSuccess = prometheus.NewCounter(prometheus.CounterOpts{Name: "distributions_success_total", Help: "Push distributions accepted by a robot"})
	DistributeFailure = prometheus.NewCounter(prometheus.CounterOpts{Name: "distributions_failed_total", Help: "Push distributions that exhausted all candidates"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "submit_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	RobotsOnline      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "robots_online", Help: "Robots currently online or busy"})
	StaleRobots       = prometheus.NewCounter(prometheus.CounterOpts{Name: "robots_marked_stale_total", Help: "Robots forced offline by heartbeat staleness"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsClaimed,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			LeaseReclaims,
			DistributeSuccess,
			DistributeFailure,
			RateLimitRejects,
			RobotsOnline,
			StaleRobots,
		)
	})
	return promhttp.Handler()
}
