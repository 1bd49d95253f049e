package devserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	unmatched = "unmatched"
	// noFunction labels requests outside a registered function's routes.
	noFunction = "-"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefn_devserver_http_requests_total",
			Help: "Requests served by the dev server, by route, function and status.",
		},
		[]string{"method", "route", "function", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotefn_devserver_http_request_duration_seconds",
			Help:    "Dev server request latency by route and function.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "function"},
	)

	injectedFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefn_devserver_injected_unavailable_total",
			Help: "Requests answered with an injected 503, by function.",
		},
		[]string{"function"},
	)

	executionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefn_devserver_executions_finished_total",
			Help: "Executions that reached a final journal state, by function and state.",
		},
		[]string{"function", "state"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(injectedFailures)
	prometheus.MustRegister(executionsFinished)
}

// metricsMiddleware records request count and latency per route pattern and
// function. Unregistered function paths share the noFunction label.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route, fn := routePattern(r), s.functionLabel(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, fn, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route, fn).Observe(time.Since(start).Seconds())
	})
}

// functionLabel returns the function uid of the request when it names a
// registered function.
func (s *Server) functionLabel(r *http.Request) string {
	if chi.URLParam(r, "function") == "" {
		return noFunction
	}
	uid := functionUID(r)
	if _, err := s.engine.Registry().Resolve(uid); err != nil {
		return noFunction
	}
	return uid
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
