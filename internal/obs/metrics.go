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
	initOnce sync.Once

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

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acserver_decisions_total",
			Help: "Access decisions and mutations by operation and result.",
		},
		[]string{"operation", "result"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "acserver_ready",
		Help: "1 when the store answered the last readiness check.",
	})

	storeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acserver_store_errors_total",
			Help: "Requests that failed on a store error, by operation.",
		},
		[]string{"operation"},
	)
)

// Init registers the metrics with the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, decisionsTotal, storeErrorsTotal, ready)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDecision counts one handled node request.
func RecordDecision(operation, result string) {
	decisionsTotal.WithLabelValues(operation, result).Inc()
}

// RecordStoreError counts one request that failed in the store.
func RecordStoreError(operation string) {
	storeErrorsTotal.WithLabelValues(operation).Inc()
}

// SetReady publishes the last readiness result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures request count, latency and concurrency.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses node ids, card ids and other path parameters so
// metric labels stay bounded. Paths that match no route become "other".
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == "/" {
		return "/"
	}
	switch p {
	case "/metrics", "/healthz", "/readyz", "/api/events":
		return p
	}
	trailing := strings.HasSuffix(p, "/")
	segs := strings.Split(strings.Trim(p, "/"), "/")

	if segs[0] == "api" {
		if len(segs) == 3 {
			switch segs[1] {
			case "get_tools_summary_for_user":
				return "/api/get_tools_summary_for_user/:user"
			case "whois":
				return "/api/whois/:card"
			}
		}
		return "other"
	}

	rest := segs[1:]
	switch {
	case len(rest) == 1 && rest[0] == "status" && trailing:
		return "/:node/status/"
	case len(rest) == 1 && rest[0] == "is_tool_in_use":
		return "/:node/is_tool_in_use"
	case len(rest) == 2 && rest[0] == "card":
		return "/:node/card/:card"
	case len(rest) == 4 && rest[0] == "status" && rest[2] == "by":
		return "/:node/status/:status/by/:card"
	case len(rest) == 4 && rest[0] == "grant-to-card" && rest[2] == "by-card":
		return "/:node/grant-to-card/:card/by-card/:card"
	case len(rest) == 5 && rest[0] == "tooluse" && rest[1] == "time" && rest[2] == "for":
		return "/:node/tooluse/time/for/:card/:seconds"
	case len(rest) == 3 && rest[0] == "tooluse":
		return "/:node/tooluse/:status/:card"
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
