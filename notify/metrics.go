package notify

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	reasonDuplicate   = "duplicate"
	reasonOwn         = "own"
	reasonViewing     = "viewing"
	reasonDisabled    = "disabled"
	reasonThrottled   = "throttled"
	reasonRateLimited = "rate_limited"
)

var (
	emittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "minichat",
			Subsystem: "notify",
			Name:      "emitted_total",
			Help:      "The total number of notifications emitted",
		})

	suppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minichat",
			Subsystem: "notify",
			Name:      "suppressed_total",
			Help:      "The total number of suppressed messages by reason",
		}, []string{"reason"})

	scheduleErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "minichat",
			Subsystem: "notify",
			Name:      "schedule_errors_total",
			Help:      "The total number of failed notification schedules",
		})
)

func init() {
	prometheus.MustRegister(emittedTotal)
	prometheus.MustRegister(suppressedTotal)
	prometheus.MustRegister(scheduleErrorsTotal)
}
