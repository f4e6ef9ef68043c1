// Package metrics provides Prometheus metrics for the upload server.
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
			Name: "masjid_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "masjid_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Upload metrics
	uploadSessionsBegun = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "masjid_upload_sessions_begun_total",
			Help: "Begin calls, labelled by whether a new session was created",
		},
		[]string{"created"},
	)

	chunkTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "masjid_chunk_transfers_total",
			Help: "Total chunk transfer calls",
		},
		[]string{"status"},
	)

	chunkBytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "masjid_chunk_bytes_received_total",
			Help: "Total encoded chunk bytes written to the chunk store",
		},
	)

	finalizeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "masjid_finalize_total",
			Help: "Finalize outcomes",
		},
		[]string{"result"},
	)

	finalizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "masjid_finalize_duration_seconds",
			Help:    "Time spent assembling, verifying and committing an upload",
			Buckets: prometheus.DefBuckets,
		},
	)

	committedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "masjid_committed_bytes_total",
			Help: "Total decoded bytes committed to durable storage",
		},
	)

	expiredUploadsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "masjid_expired_uploads_reaped_total",
			Help: "Expired upload sessions removed by the cleanup loop",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "masjid_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "masjid_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "masjid_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "masjid_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "masjid_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// Quota metrics
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "masjid_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	// Storage backend metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "masjid_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "masjid_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBegin records a begin call.
func RecordBegin(created bool) {
	uploadSessionsBegun.WithLabelValues(strconv.FormatBool(created)).Inc()
}

// RecordChunkTransfer records a chunk transfer.
func RecordChunkTransfer(bytes int, success bool) {
	status := "success"
	if !success {
		status = "error"
	} else {
		chunkBytesReceived.Add(float64(bytes))
	}
	chunkTransfersTotal.WithLabelValues(status).Inc()
}

// RecordFinalize records a finalize outcome such as "committed",
// "checksum_mismatch" or "too_large".
func RecordFinalize(result string, duration time.Duration) {
	finalizeTotal.WithLabelValues(result).Inc()
	finalizeDuration.Observe(duration.Seconds())
}

// RecordCommit records the decoded size of a committed upload.
func RecordCommit(bytes int64) {
	committedBytes.Add(float64(bytes))
}

// RecordExpiredUploads records reaped sessions.
func RecordExpiredUploads(n int) {
	expiredUploadsReaped.Add(float64(n))
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

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordStorageOperation records a storage backend operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
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

// Middleware returns HTTP middleware that records request metrics.
// The route pattern is used as the path label to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
