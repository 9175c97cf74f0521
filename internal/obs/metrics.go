package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vineyard_reconcile_runs_total",
			Help: "Group reconciliation passes by result.",
		},
		[]string{"result"},
	)

	reconcileChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vineyard_reconcile_changes_total",
			Help: "Rows written by group reconciliation.",
		},
		[]string{"kind", "op"},
	)

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vineyard_reconcile_duration_seconds",
		Help:    "Duration of one group reconciliation pass.",
		Buckets: prometheus.DefBuckets,
	})

	owRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vineyard_ow_requests_total",
			Help: "Requests made to OW by endpoint and status.",
		},
		[]string{"endpoint", "status"},
	)

	credentialBindings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vineyard_credential_bindings",
		Help: "Live credential to OW user bindings.",
	})

	initOnce sync.Once
)

// Init registers all collectors in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			reconcileRuns, reconcileChanges, reconcileDuration,
			owRequests, credentialBindings,
		)
	})
}

// Handler serves the Prometheus endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveReconcile records the outcome of one group reconciliation.
func ObserveReconcile(result string, d time.Duration) {
	reconcileRuns.WithLabelValues(result).Inc()
	reconcileDuration.Observe(d.Seconds())
}

// AddReconcileChanges counts rows written by reconciliation.
func AddReconcileChanges(kind, op string, n int) {
	if n <= 0 {
		return
	}
	reconcileChanges.WithLabelValues(kind, op).Add(float64(n))
}

// ObserveOWRequest counts one outbound OW request.
func ObserveOWRequest(endpoint, status string) {
	owRequests.WithLabelValues(endpoint, status).Inc()
}

// SetCredentialBindings publishes the size of the credential table.
func SetCredentialBindings(n int) {
	credentialBindings.Set(float64(n))
}

// Instrument measures request rate, latency and in-flight count.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses ids in known routes so metric label cardinality
// stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "groups" {
		return p
	}
	parts[2] = ":group"
	switch {
	case len(parts) == 4 && parts[3] == "sync":
	case len(parts) == 5 && parts[3] == "privileges":
		parts[4] = ":privilege"
	case len(parts) == 6 && parts[3] == "members" && parts[5] == "privileges":
		parts[4] = ":user"
	case len(parts) == 7 && parts[3] == "members" && parts[5] == "privileges":
		parts[4] = ":user"
		parts[6] = ":privilege"
	default:
		return p
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
