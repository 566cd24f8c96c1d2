package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	productImport = "product_import"

	jobsTotal          = "jobs_total"
	jobsRunning        = "jobs_running"
	jobDurationSeconds = "job_duration_seconds"
	rowsTotal          = "rows_total"
	rowErrorsTotal     = "row_errors_total"
	chunkWriteSeconds  = "chunk_write_seconds"
	queueDepth         = "queue_depth"

	// Labels
	statusLabel    = "status"
	outcomeLabel   = "outcome"
	errorTypeLabel = "error_type"
)

/**
* Metrics definition
**/
var jobsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: productImport,
		Name:      jobsTotal,
		Help:      "number of import jobs that reached a terminal status",
	},
	[]string{statusLabel},
)

var jobsRunningMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: productImport,
		Name:      jobsRunning,
		Help:      "number of import jobs currently running",
	},
)

var jobDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: productImport,
		Name:      jobDurationSeconds,
		Help:      "wall time of import jobs from start to terminal status",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
	},
	[]string{statusLabel},
)

var rowsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: productImport,
		Name:      rowsTotal,
		Help:      "number of imported rows by outcome",
	},
	[]string{outcomeLabel},
)

var rowErrorsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: productImport,
		Name:      rowErrorsTotal,
		Help:      "number of row errors by classification",
	},
	[]string{errorTypeLabel},
)

var chunkWriteMetric = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Subsystem: productImport,
		Name:      chunkWriteSeconds,
		Help:      "time spent persisting one chunk",
		Buckets:   prometheus.DefBuckets,
	},
)

var queueDepthMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: productImport,
		Name:      queueDepth,
		Help:      "number of import jobs waiting for a worker",
	},
)

// JobStarted tracks a job entering RUNNING
func JobStarted() {
	jobsRunningMetric.Inc()
}

// JobFinished tracks a job reaching a terminal status. started may be nil
// when the job failed before it ever ran.
func JobFinished(status string, started *time.Time, wasRunning bool) {
	jobsTotalMetric.With(prometheus.Labels{statusLabel: status}).Inc()
	if wasRunning {
		jobsRunningMetric.Dec()
	}
	if started != nil {
		jobDurationMetric.With(prometheus.Labels{statusLabel: status}).Observe(time.Since(*started).Seconds())
	}
}

// RowsProcessed adds a chunk's outcome counts
func RowsProcessed(succeeded, failed int) {
	rowsTotalMetric.With(prometheus.Labels{outcomeLabel: "succeeded"}).Add(float64(succeeded))
	rowsTotalMetric.With(prometheus.Labels{outcomeLabel: "failed"}).Add(float64(failed))
}

// RowErrorRecorded counts one row error
func RowErrorRecorded(errorType string) {
	rowErrorsTotalMetric.With(prometheus.Labels{errorTypeLabel: errorType}).Inc()
}

// ObserveChunkWrite records how long a chunk write took
func ObserveChunkWrite(d time.Duration) {
	chunkWriteMetric.Observe(d.Seconds())
}

// SetQueueDepth records the number of queued jobs
func SetQueueDepth(n int) {
	queueDepthMetric.Set(float64(n))
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsTotalMetric)
	prometheus.MustRegister(jobsRunningMetric)
	prometheus.MustRegister(jobDurationMetric)
	prometheus.MustRegister(rowsTotalMetric)
	prometheus.MustRegister(rowErrorsTotalMetric)
	prometheus.MustRegister(chunkWriteMetric)
	prometheus.MustRegister(queueDepthMetric)
}
