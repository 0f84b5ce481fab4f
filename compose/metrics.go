package compose

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	submittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minichat",
			Subsystem: "compose",
			Name:      "submitted_total",
			Help:      "The total number of appended messages by kind",
		}, []string{"kind"})

	rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minichat",
			Subsystem: "compose",
			Name:      "rejected_total",
			Help:      "The total number of submissions rejected by validation",
		}, []string{"kind"})

	submitErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minichat",
			Subsystem: "compose",
			Name:      "submit_errors_total",
			Help:      "The total number of failed submissions by stage",
		}, []string{"stage"})
)

func init() {
	prometheus.MustRegister(submittedTotal)
	prometheus.MustRegister(rejectedTotal)
	prometheus.MustRegister(submitErrorsTotal)
}
