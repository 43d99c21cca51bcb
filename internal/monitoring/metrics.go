// Package monitoring exposes Prometheus metrics for the gateway and the
// optional metrics HTTP server.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s3_gateway_requests_total",
		Help: "S3 requests processed, by operation and response status.",
	}, []string{"operation", "method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "s3_gateway_request_duration_seconds",
		Help:    "S3 request latency, by operation.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"operation", "method"})

	bytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s3_gateway_transferred_bytes_total",
		Help: "Body bytes moved through the gateway, by direction.",
	}, []string{"direction"})

	multipartCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s3_gateway_multipart_completions_total",
		Help: "CompleteMultipartUpload outcomes.",
	}, []string{"result"})
)

// ObserveMultipartCompletion counts a completion outcome ("success" or
// "failure"). Completions stream their response, so the status label of
// requestsTotal is always 200 and cannot carry this.
func ObserveMultipartCompletion(result string) {
	multipartCompletions.WithLabelValues(result).Inc()
}

type metricsWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *metricsWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *metricsWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

func (w *metricsWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request count, latency, and transferred bytes. The
// operation label comes from the mux route name.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		mw := &metricsWriter{ResponseWriter: w}
		inBefore := r.ContentLength

		next.ServeHTTP(mw, r)

		operation := "unknown"
		if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
			operation = route.GetName()
		}
		status := mw.status
		if status == 0 {
			status = http.StatusOK
		}

		requestsTotal.WithLabelValues(operation, r.Method, strconv.Itoa(status)).Inc()
		requestDuration.WithLabelValues(operation, r.Method).Observe(time.Since(start).Seconds())
		if inBefore > 0 {
			bytesTransferred.WithLabelValues("in").Add(float64(inBefore))
		}
		if mw.written > 0 {
			bytesTransferred.WithLabelValues("out").Add(float64(mw.written))
		}
	})
}
