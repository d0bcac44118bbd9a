package observability

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsDispatchedTotal counts jobs handed to a worker, per pipeline.
	JobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to workers",
		},
		[]string{"pipeline"},
	)
	// JobsCompletedTotal counts jobs whose handler returned without error.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
		[]string{"pipeline"},
	)
	// JobsFailedTotal counts jobs whose handler returned an error.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_jobs_failed_total",
			Help: "Total number of jobs that failed",
		},
		[]string{"pipeline"},
	)
	// JobsInFlight tracks the size of each processor's in-progress map.
	JobsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "processing_jobs_in_flight",
			Help: "Number of jobs currently being processed",
		},
		[]string{"pipeline"},
	)
	// JobDuration observes wall time per job.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processing_job_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 120, 300, 600, 1200},
		},
		[]string{"pipeline"},
	)
	// PollsTotal counts queue polls by outcome.
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_polls_total",
			Help: "Total number of job queue polls",
		},
		[]string{"pipeline", "outcome"},
	)
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	prometheus.MustRegister(
		JobsDispatchedTotal,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobsInFlight,
		JobDuration,
		PollsTotal,
	)
}

// ServeMetrics exposes /metrics and /healthz on addr. It blocks, so callers
// run it in a goroutine.
func ServeMetrics(addr string) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("metrics server error", slog.Any("error", err))
	}
}
