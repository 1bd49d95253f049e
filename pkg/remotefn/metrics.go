package remotefn

import "github.com/prometheus/client_golang/prometheus"

var executionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "remotefn_executions_total",
		Help: "Total number of executions finished, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(executionsTotal)
}
