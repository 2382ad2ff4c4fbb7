// Package metrics exposes Prometheus collectors for the zipmailer service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipmailer_downloads_total",
			Help: "Total number of download tasks, labeled by origin and outcome.",
		},
		[]string{"origin", "outcome"},
	)

	downloadBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipmailer_download_bytes_total",
			Help: "Total number of bytes written by download tasks, labeled by origin.",
		},
		[]string{"origin"},
	)

	jitterDelaySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zipmailer_jitter_delay_seconds",
			Help:    "Histogram of scheduled jitter delays before each download starts.",
			Buckets: []float64{1, 3, 5, 10, 30, 60, 120, 300},
		},
	)

	rateLimitDelaySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zipmailer_rate_limit_delays_seconds",
			Help:    "Histogram of per-host rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	stageFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipmailer_stage_failures_total",
			Help: "Total pipeline stage failures, labeled by stage.",
		},
		[]string{"stage"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipmailer_jobs_total",
			Help: "Total number of jobs processed, labeled by status.",
		},
		[]string{"status"},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zipmailer_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	retentionDeletesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipmailer_retention_deletes_total",
			Help: "Remote objects removed by the retention sweeper, labeled by result.",
		},
		[]string{"result"},
	)

	progressDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipmailer_progress_events_dropped_total",
			Help: "Progress events discarded under backpressure, labeled by stage.",
		},
		[]string{"stage"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times. Observations made before
// Init are kept and exported once registered.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Collectors returns every collector owned by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		downloadsTotal,
		downloadBytesTotal,
		jitterDelaySeconds,
		rateLimitDelaySeconds,
		stageFailuresTotal,
		jobsTotal,
		activeWorkers,
		retentionDeletesTotal,
		progressDroppedTotal,
		httpRequestsTotal,
		httpRequestDurationSeconds,
	}
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDownload records a finished download task.
func ObserveDownload(origin, outcome string, bytesWritten int64) {
	downloadsTotal.WithLabelValues(origin, outcome).Inc()
	if bytesWritten > 0 {
		downloadBytesTotal.WithLabelValues(origin).Add(float64(bytesWritten))
	}
}

// ObserveJitterDelay records the scheduled start delay of a download task.
func ObserveJitterDelay(d time.Duration) {
	jitterDelaySeconds.Observe(d.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveStageFailure increments the failure counter for a pipeline stage.
func ObserveStageFailure(stage string) {
	stageFailuresTotal.WithLabelValues(stage).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRetentionDelete records one sweeper deletion attempt.
func ObserveRetentionDelete(result string) {
	retentionDeletesTotal.WithLabelValues(result).Inc()
}

// ObserveProgressDropped counts a progress event lost to a full hub buffer.
func ObserveProgressDropped(stage string) {
	progressDroppedTotal.WithLabelValues(stage).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
