package ws

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "minichat",
			Subsystem: "ws",
			Name:      "sessions",
			Help:      "The number of connected UI sessions",
		})

	kickoffsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "minichat",
			Subsystem: "ws",
			Name:      "kickoffs_total",
			Help:      "The total number of sessions kicked off over quota",
		})

	droppedMsgsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "minichat",
			Subsystem: "ws",
			Name:      "dropped_messages_total",
			Help:      "The total number of server messages dropped for slow sessions",
		})
)

func init() {
	prometheus.MustRegister(sessionsGauge)
	prometheus.MustRegister(kickoffsTotal)
	prometheus.MustRegister(droppedMsgsTotal)
}
