package obs

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ocrgate",
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"service", "version"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocrgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served.",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ocrgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	backendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocrgate",
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Requests issued to the OCR backend by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
	backendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ocrgate",
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "OCR backend round trip latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	pollAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocrgate",
			Subsystem: "poller",
			Name:      "attempts_total",
			Help:      "Status poll attempts by outcome.",
		},
		[]string{"outcome"},
	)

	workflowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocrgate",
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Workflow state transitions observed by the client.",
		},
		[]string{"state"},
	)

	recognitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocrgate",
			Subsystem: "recognizer",
			Name:      "jobs_total",
			Help:      "Documents recognized by the backend stand-in.",
		},
		[]string{"result"},
	)
	recognitionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ocrgate",
			Subsystem: "recognizer",
			Name:      "job_duration_seconds",
			Help:      "Recognition duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
	)
)

func init() {
	prometheus.MustRegister(
		appInfo,
		httpRequestsTotal, httpRequestDuration,
		backendRequestsTotal, backendRequestDuration,
		pollAttemptsTotal,
		workflowTransitionsTotal,
		recognitionsTotal, recognitionDuration,
	)
}

func SetAppInfo(service string) {
	svc := strings.TrimSpace(service)
	if svc == "" {
		svc = defaultService
	}
	ver := strings.TrimSpace(os.Getenv("APP_VERSION"))
	if ver == "" {
		ver = "dev"
	}
	appInfo.WithLabelValues(svc, ver).Set(1)
}

// MetricsMiddleware records request count/latency.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := RouteLabel(r.URL.Path)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.code)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// RecordBackendRequest records one client round trip. outcome is "ok", "not_ready"
// or "error".
func RecordBackendRequest(op string, start time.Time, outcome string) {
	backendRequestsTotal.WithLabelValues(op, outcome).Inc()
	backendRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func RecordPollAttempt(outcome string) {
	pollAttemptsTotal.WithLabelValues(outcome).Inc()
}

func RecordTransition(state string) {
	workflowTransitionsTotal.WithLabelValues(state).Inc()
}

func RecordRecognition(start time.Time, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	recognitionsTotal.WithLabelValues(res).Inc()
	recognitionDuration.Observe(time.Since(start).Seconds())
}

// RouteLabel collapses job ids out of backend paths to keep label cardinality low.
func RouteLabel(path string) string {
	p := strings.Trim(strings.TrimSpace(path), "/")
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	switch parts[0] {
	case "status", "preview", "outputs", "edit":
		if len(parts) == 2 {
			return "/" + parts[0] + "/:id"
		}
	case "download":
		if len(parts) == 3 {
			return "/download/:id/:format"
		}
	case "ocr", "health", "metrics":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
	}
	return "other"
}
