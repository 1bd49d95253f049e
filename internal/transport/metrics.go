package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefn_client_requests_total",
			Help: "Total number of requests sent to the function service.",
		},
		[]string{"operation", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotefn_client_request_duration_seconds",
			Help:    "Function service request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefn_client_retries_total",
			Help: "Total number of requests re-issued after a transient failure.",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(retriesTotal)
}

// RecordRetry counts one re-issue of a request for the given operation.
func RecordRetry(operation string) {
	retriesTotal.WithLabelValues(operation).Inc()
}
