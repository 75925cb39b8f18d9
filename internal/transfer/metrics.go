package transfer

import "github.com/prometheus/client_golang/prometheus"

var transferDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "conduit_transfer_seconds",
		Help:    "Duration of stage-in and stage-out transfers, in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"direction"},
)

func init() {
	prometheus.MustRegister(transferDuration)
}
