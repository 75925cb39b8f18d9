package backend

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for submission results.
const (
	resultOK        = "ok"
	resultThrottled = "throttled"
	resultTransient = "transient"
	resultFatal     = "fatal"
)

var submissions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conduit_backend_submissions_total",
		Help: "Total number of batch job submissions, by backend kind and result.",
	},
	[]string{"kind", "result"},
)

func init() {
	prometheus.MustRegister(submissions)

	// Pre-initialize label combinations so they appear in /metrics from startup.
	for _, k := range []Kind{KindJobCLI, KindJobWebAPI} {
		for _, r := range []string{resultOK, resultThrottled, resultTransient, resultFatal} {
			submissions.WithLabelValues(k.String(), r)
		}
	}
}
