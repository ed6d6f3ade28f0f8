package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type MetricsHandler struct {
	metrics  *Metrics
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func NewMetricsHandler(metrics *Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &MetricsHandler{
		metrics:  metrics,
		gatherer: gatherer,
		logger:   logger,
	}
}

func (h *MetricsHandler) Handler() http.Handler {
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})
}

// CollectSystemMetrics samples runtime gauges until ctx is done.
func (h *MetricsHandler) CollectSystemMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		h.metrics.System.GoroutineCount.Set(float64(runtime.NumGoroutine()))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *MetricsHandler) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	h.metrics.Http.RequestsTotal.WithLabelValues(method, path).Inc()
	h.metrics.Http.ResponseStatusCode.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	h.metrics.Http.RequestDuration.WithLabelValues(path).Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument records request metrics for next under a fixed path label.
// WebSocket routes must not be wrapped: the recorder hides http.Hijacker.
func (h *MetricsHandler) Instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.RecordHTTPRequest(r.Method, path, rec.status, time.Since(start))
	})
}
