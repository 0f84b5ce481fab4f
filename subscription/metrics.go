package subscription

import "github.com/prometheus/client_golang/prometheus"

var (
	activeStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "minichat",
		Subsystem: "subscription",
		Name:      "active_streams",
		Help:      "Number of live room streams.",
	})
	snapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "subscription",
		Name:      "snapshots_total",
		Help:      "Snapshots emitted to listeners.",
	})
	streamErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "subscription",
		Name:      "stream_errors_total",
		Help:      "Streams terminated by a live query error.",
	})
)

func init() {
	prometheus.MustRegister(activeStreams, snapshotsTotal, streamErrorsTotal)
}
