// Package metrics exposes the Prometheus instrumentation for the synchroniser.
// All metrics live in the tubesync namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Pipeline metrics
	filesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubesync_files_processed_total",
		Help: "Files handed to the apply pipeline by kind and result",
	}, []string{"kind", "result"}) // kind=video|sidecar result=applied|skipped|deferred|failed|noop

	sidecarsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tubesync_sidecars_deleted_total",
		Help: "Sidecar files removed after a successful or skipped apply",
	})

	applyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubesync_apply_total",
		Help: "Apply pipeline invocations by final status",
	}, []string{"status"}) // status=ok|deferred|fail

	applyDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tubesync_apply_duration_seconds",
		Help:    "Wall time of one apply pipeline invocation",
		Buckets: prometheus.DefBuckets,
	})

	// Media server API metrics
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubesync_api_requests_total",
		Help: "Media server API requests by operation and outcome code",
	}, []string{"operation", "code"})

	apiRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tubesync_api_request_duration_seconds",
		Help:    "Media server API request latency by operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	apiRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tubesync_api_retries_total",
		Help: "Media server API attempts beyond the first",
	})

	// Cache metrics
	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tubesync_cache_entries",
		Help: "Entries in the path cache",
	})

	cacheFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubesync_cache_flushes_total",
		Help: "Path cache flushes by result",
	}, []string{"result"}) // result=written|noop|error

	// Watch engine metrics
	watchEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubesync_watch_events_total",
		Help: "Accepted filesystem events by kind",
	}, []string{"kind"}) // kind=video|sidecar|delete

	watchEventsDebouncedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tubesync_watch_events_debounced_total",
		Help: "Filesystem events dropped by the per-path debounce",
	})

	retryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tubesync_retry_queue_depth",
		Help: "Paths currently waiting in the retry queue",
	})

	retriesExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tubesync_retries_exhausted_total",
		Help: "Sidecar retries dropped after the attempt cap",
	})

	// Repair metrics
	repairRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tubesync_repair_runs_total",
		Help: "Repair sweeps executed",
	})

	repairResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tubesync_repair_resolved_total",
		Help: "Cache entries that gained a server id during repair",
	})

	// Subtitle metrics
	subtitleUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubesync_subtitle_uploads_total",
		Help: "Subtitle uploads by result",
	}, []string{"result"}) // result=success|failure

	// Ops server metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubesync_http_requests_total",
		Help: "Ops server requests by path, method and status code",
	}, []string{"path", "method", "code"})

	httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tubesync_http_request_duration_seconds",
		Help:    "Ops server request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method"})
)

func IncFileProcessed(kind, result string) {
	filesProcessedTotal.WithLabelValues(kind, result).Inc()
}
func IncSidecarDeleted() { sidecarsDeletedTotal.Inc() }

func IncApply(status string) { applyTotal.WithLabelValues(status).Inc() }

func ObserveApplyDuration(secs float64) { applyDurationSeconds.Observe(secs) }

func IncAPIRequest(operation, code string) {
	apiRequestsTotal.WithLabelValues(operation, code).Inc()
}
func ObserveAPIRequestDuration(operation string, secs float64) {
	apiRequestDurationSeconds.WithLabelValues(operation).Observe(secs)
}
func IncAPIRetry() { apiRetriesTotal.Inc() }

func RecordCacheEntries(n int)    { cacheEntries.Set(float64(n)) }
func IncCacheFlush(result string) { cacheFlushesTotal.WithLabelValues(result).Inc() }

func IncWatchEvent(kind string)   { watchEventsTotal.WithLabelValues(kind).Inc() }
func IncWatchEventDebounced()     { watchEventsDebouncedTotal.Inc() }
func RecordRetryQueueDepth(n int) { retryQueueDepth.Set(float64(n)) }
func IncRetriesExhausted()        { retriesExhaustedTotal.Inc() }

func IncRepairRun()           { repairRunsTotal.Inc() }
func AddRepairResolved(n int) { repairResolvedTotal.Add(float64(n)) }

func IncSubtitleUpload(result string) { subtitleUploadsTotal.WithLabelValues(result).Inc() }

func IncHTTPRequest(path, method, code string) {
	httpRequestsTotal.WithLabelValues(path, method, code).Inc()
}
func ObserveHTTPRequestDuration(path, method string, secs float64) {
	httpRequestDurationSeconds.WithLabelValues(path, method).Observe(secs)
}

// GetRetryQueueDepth returns the current gauge value (status endpoint, tests).
func GetRetryQueueDepth() float64 {
	var m dto.Metric
	if err := retryQueueDepth.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// GetCacheEntries returns the current gauge value (status endpoint, tests).
func GetCacheEntries() float64 {
	var m dto.Metric
	if err := cacheEntries.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
