// Package metrics exposes pipeline counters to Prometheus. Labels carry entity
// types and outcomes only, never record contents.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	recordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phi_records_processed_total",
			Help: "Total number of records processed, by outcome",
		},
		[]string{"status"},
	)

	detectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "phi_detection_errors_total",
			Help: "Total number of fields masked because detection failed",
		},
	)

	entitiesMasked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phi_entities_masked_total",
			Help: "Total number of PHI entities masked",
		},
		[]string{"entity_type"},
	)

	lowConfidenceEntities = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "phi_low_confidence_entities_total",
			Help: "Total number of entities masked below the confidence floor",
		},
	)

	// Audit metrics
	auditAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phi_audit_appends_total",
			Help: "Total number of audit appends, by result",
		},
		[]string{"result"},
	)

	auditAppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "phi_audit_append_duration_seconds",
			Help:    "Audit append duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)

	surrogateEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "phi_surrogate_entries",
			Help: "Number of surrogate mappings held in memory",
		},
	)

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phi_http_requests_total",
			Help: "Total number of ops HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware counts ops HTTP requests
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.statusCode)).Inc()
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// RecordProcessed records the outcome of one record ("ok", "retryable", "failed", "canceled").
func RecordProcessed(status string) {
	recordsProcessed.WithLabelValues(status).Inc()
}

// RecordMasking records the entities masked in one record.
func RecordMasking(entityTypes map[string]int, lowConfidence, failOpenFields int) {
	for t, n := range entityTypes {
		entitiesMasked.WithLabelValues(t).Add(float64(n))
	}
	lowConfidenceEntities.Add(float64(lowConfidence))
	detectionErrors.Add(float64(failOpenFields))
}

// RecordAuditAppend records one audit append attempt.
func RecordAuditAppend(ok bool, duration time.Duration) {
	result := "error"
	if ok {
		result = "ok"
	}
	auditAppends.WithLabelValues(result).Inc()
	auditAppendDuration.Observe(duration.Seconds())
}

// SetSurrogateEntries records the mapper size.
func SetSurrogateEntries(n int) {
	surrogateEntries.Set(float64(n))
}
