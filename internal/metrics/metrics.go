package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "animal_rescue"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight admin HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of admin HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of admin HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ledgerSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "submissions_total",
			Help:      "Ledger transactions by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	confirmationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "confirmation_duration_seconds",
			Help:      "Time from broadcast to confirmed application log.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"operation"},
	)

	resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Token id resolutions by winning strategy.",
		},
		[]string{"strategy"},
	)

	mirrorWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "writes_total",
			Help:      "Mirror writes by entity kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	casConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "cas_conflicts_total",
			Help:      "Version conflicts observed on compare-and-swap writes.",
		},
		[]string{"kind"},
	)

	reconcileAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "attempts_total",
			Help:      "Reconciliation attempts by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	reconcileOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "open_records",
			Help:      "Journal records awaiting reconciliation after the last pass.",
		},
	)

	incidents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "incidents_total",
			Help:      "Incidents surfaced for operator attention.",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerSubmissions,
		confirmationDuration,
		resolutions,
		mirrorWrites,
		casConflicts,
		reconcileAttempts,
		reconcileOpen,
		incidents,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordSubmission records the outcome of a ledger transaction.
func RecordSubmission(operation, outcome string) {
	ledgerSubmissions.WithLabelValues(operation, outcome).Inc()
}

// RecordConfirmation records how long a transaction took to confirm.
func RecordConfirmation(operation string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	confirmationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordResolution records which strategy produced a token id.
func RecordResolution(strategy string) {
	resolutions.WithLabelValues(strategy).Inc()
}

// RecordMirrorWrite records a mirror write outcome.
func RecordMirrorWrite(kind string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	mirrorWrites.WithLabelValues(kind, outcome).Inc()
}

// RecordCASConflict records a compare-and-swap version conflict.
func RecordCASConflict(kind string) {
	casConflicts.WithLabelValues(kind).Inc()
}

// RecordReconcileAttempt records one journal record reconciliation.
func RecordReconcileAttempt(operation, outcome string) {
	reconcileAttempts.WithLabelValues(operation, outcome).Inc()
}

// SetOpenRecords sets the number of journal records still open.
func SetOpenRecords(n int) {
	reconcileOpen.Set(float64(n))
}

// RecordIncident records a surfaced incident.
func RecordIncident(kind string) {
	incidents.WithLabelValues(kind).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 3 {
		return "/" + trimmed
	}
	// /v1/<resource>/<id>[/<action>]
	out := []string{parts[0], parts[1], ":id"}
	out = append(out, parts[3:]...)
	return "/" + strings.Join(out, "/")
}
