package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Submissions      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "genjob_submissions_total", Help: "Submission attempts by result category"}, []string{"result"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "genjob_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	Probes           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "genjob_probes_total", Help: "Status probes by normalized state or error category"}, []string{"state"})
	Outcomes         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "genjob_outcomes_total", Help: "Settled poll sessions by outcome"}, []string{"outcome"})
	Cleanups         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "genjob_cleanups_total", Help: "Cleanup attempts by result"}, []string{"result"})
	PollAttempts     = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "genjob_poll_attempts", Help: "Probes spent per poll session", Buckets: []float64{1, 2, 4, 8, 16, 32, 48, 64}})
	Sweeps           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "genjob_sweeps_total", Help: "Abandoned jobs handled by the janitor by result"}, []string{"result"})
	OutstandingGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "genjob_outstanding", Help: "Jobs submitted but not yet cleaned up"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Submissions,
			RateLimitRejects,
			Probes,
			Outcomes,
			Cleanups,
			PollAttempts,
			Sweeps,
			OutstandingGauge,
		)
	})
	return promhttp.Handler()
}
