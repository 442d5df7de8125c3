package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renderq_jobs_enqueued_total",
		Help: "Total number of jobs enqueued",
	}, []string{"type"})

	JobsDuplicateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renderq_jobs_duplicate_total",
		Help: "Enqueue calls answered with an existing active job",
	}, []string{"type"})

	DedupLookupErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renderq_dedup_lookup_errors_total",
		Help: "Dedup lookups that failed and let the enqueue proceed",
	})

	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renderq_jobs_completed_total",
		Help: "Total number of jobs completed successfully",
	}, []string{"type"})

	JobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renderq_jobs_failed_total",
		Help: "Total number of jobs that failed",
	}, []string{"type"})

	JobsRequeuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renderq_jobs_requeued_total",
		Help: "Total number of automatic retries",
	}, []string{"type"})

	JobsCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renderq_jobs_cancelled_total",
		Help: "Total number of cancelled jobs",
	}, []string{"mode"})

	JobProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "renderq_job_processing_duration_seconds",
		Help:    "Time taken to process jobs in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"type"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "renderq_active_workers",
		Help: "Current number of active workers",
	})

	BusyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "renderq_busy_workers",
		Help: "Workers currently executing a job",
	})

	RenderWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "renderq_render_wait_duration_seconds",
		Help:    "Time between render submission and a terminal progress stage",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 900},
	})

	RenderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renderq_render_requests_total",
		Help: "Requests made to the render service",
	}, []string{"op", "outcome"})

	BundleImagesMissingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renderq_bundle_images_missing_total",
		Help: "Scene images omitted from bundles because the fetch failed",
	})
)
