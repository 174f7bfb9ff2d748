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

// HTTP metrics
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// UMA protocol metrics
var (
	ticketsRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uma_tickets_registered_total",
		Help: "Permission tickets registered by resource servers.",
	})

	exchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uma_exchanges_total",
			Help: "Ticket exchanges at the token endpoint by outcome.",
		},
		[]string{"outcome"},
	)

	policyTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uma_policy_timeouts_total",
			Help: "Policy evaluations that exceeded their budget and were denied.",
		},
		[]string{"policy"},
	)

	introspections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uma_introspections_total",
			Help: "RPT introspections by result.",
		},
		[]string{"active"},
	)

	rptsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uma_rpt_issued_total",
			Help: "Requesting party tokens issued by format.",
		},
		[]string{"format"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			ticketsRegistered, exchanges, policyTimeouts, introspections, rptsIssued,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func TicketRegistered() { ticketsRegistered.Inc() }
func Exchange(outcome string) { exchanges.WithLabelValues(outcome).Inc() }
func PolicyTimeout(policy string) { policyTimeouts.WithLabelValues(policy).Inc() }
func RPTIssued(format string) { rptsIssued.WithLabelValues(format).Inc() }
func Introspection(active bool) { introspections.WithLabelValues(strconv.FormatBool(active)).Inc() }

var knownPaths = map[string]struct{}{
	"/":                               {},
	"/metrics":                        {},
	"/healthz":                        {},
	"/readyz":                         {},
	"/permission":                     {},
	"/token":                          {},
	"/introspect":                     {},
	"/rpt/status":                     {},
	"/revoke":                         {},
	"/claims_gathering":               {},
	"/.well-known/uma2-configuration": {},
}

// CanonicalPath maps a request path onto a bounded label set.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if _, ok := knownPaths[path]; ok {
		return path
	}
	return "/other"
}

// Instrument records RPS, latency and in-flight requests.
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

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
