// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admissions counts admission decisions by outcome: admitted,
	// rate_limited, budget_exceeded, fail_open.
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_admissions_total",
			Help: "Admission governor decisions by outcome",
		},
		[]string{"outcome"},
	)

	UpstreamCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_upstream_calls_total",
			Help: "Calls to the model API by status class",
		},
		[]string{"class"},
	)

	UsageRecordFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_usage_record_failures_total",
			Help: "Best-effort usage or audit writes that failed",
		},
	)

	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_sync_runs_total",
			Help: "Catalog sync runs by final status",
		},
		[]string{"status"},
	)

	SyncRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_sync_retries_total",
			Help: "Page fetch retries during catalog sync",
		},
	)

	CatalogRecordsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_catalog_records_written_total",
			Help: "Catalog records submitted to upsert-merge batches",
		},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tollgate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// StatusClass buckets an HTTP status as "2xx", "4xx", etc.
func StatusClass(code int) string {
	if code <= 0 {
		return "none"
	}
	return strconv.Itoa(code/100) + "xx"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request duration by method, matched route pattern and
// status. Unmatched paths share the "unmatched" label.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		httpRequestDuration.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
