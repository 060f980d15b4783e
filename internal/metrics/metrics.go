// Package metrics provides Prometheus metrics for filedeck and the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filedeck_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filedeck_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filedeck_content_bytes_downloaded_total",
			Help: "Total bytes served from file content endpoints",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filedeck_content_bytes_uploaded_total",
			Help: "Total bytes accepted by upload endpoints",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filedeck_content_downloads_total",
			Help: "Total number of content downloads",
		},
		[]string{"status"},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filedeck_content_uploads_total",
			Help: "Total number of uploaded files",
		},
		[]string{"status"},
	)

	// Catalog and tree metrics
	catalogRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filedeck_catalog_records",
			Help: "Number of records in the file catalog",
		},
	)

	catalogVisible = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filedeck_catalog_visible_records",
			Help: "Number of records matching the search term",
		},
	)

	treeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filedeck_tree_nodes",
			Help: "Number of nodes in the current tree",
		},
	)

	treeRebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filedeck_tree_rebuild_duration_seconds",
			Help:    "Time to rebuild the tree from the visible records",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	syncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filedeck_sync_operations_total",
			Help: "Total sync controller operations",
		},
		[]string{"operation", "status"},
	)

	gatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filedeck_gateway_request_duration_seconds",
			Help:    "Duration of calls to the file-storage gateway",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	previewCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filedeck_preview_cache_lookups_total",
			Help: "Preview cache lookups",
		},
		[]string{"result"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filedeck_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filedeck_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filedeck_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filedeck_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filedeck_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// Storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filedeck_storage_operation_duration_seconds",
			Help:    "Object storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filedeck_storage_operations_total",
			Help: "Total object storage operations",
		},
		[]string{"backend", "operation", "status"},
	)
)

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordContentDownload records a content download.
func RecordContentDownload(bytes int64, success bool) {
	contentBytesDownloaded.Add(float64(bytes))
	contentDownloadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordContentUpload records one stored file.
func RecordContentUpload(bytes int64, success bool) {
	contentBytesUploaded.Add(float64(bytes))
	contentUploadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// SetCatalogSize sets the catalog gauges.
func SetCatalogSize(all, visible int) {
	catalogRecords.Set(float64(all))
	catalogVisible.Set(float64(visible))
}

// SetTreeNodes sets the current tree size.
func SetTreeNodes(count int) {
	treeNodes.Set(float64(count))
}

// RecordTreeRebuild records tree rebuild duration.
func RecordTreeRebuild(duration time.Duration) {
	treeRebuildDuration.Observe(duration.Seconds())
}

// RecordSyncOperation records the outcome of a refresh, upload, remove or
// search.
func RecordSyncOperation(operation string, success bool) {
	syncOperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

// RecordGatewayRequest records the duration of a gateway call.
func RecordGatewayRequest(operation string, duration time.Duration) {
	gatewayRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPreviewCache records a preview cache hit or miss.
func RecordPreviewCache(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	previewCacheTotal.WithLabelValues(result).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordStorageOperation records an object storage operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(backend, operation, statusLabel(success)).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. It must
// sit directly around the ServeMux so the matched route pattern is visible;
// file names never become label values.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
