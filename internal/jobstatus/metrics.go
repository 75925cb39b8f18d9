package jobstatus

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for status check results.
const (
	resultOK       = "ok"
	resultError    = "error"
	resultExceeded = "exceeded"
)

var statusChecks = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conduit_status_checks_total",
		Help: "Total number of batch job status checks, by result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(statusChecks)

	for _, r := range []string{resultOK, resultError, resultExceeded} {
		statusChecks.WithLabelValues(r)
	}
}
