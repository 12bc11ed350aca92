package execution

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsOpenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_executions_opened_total",
			Help: "Total number of execution records opened.",
		},
	)

	executionsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_executions_finished_total",
			Help: "Total number of executions finished, by terminal status.",
		},
		[]string{"status"},
	)

	quotaRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_quota_rejections_total",
			Help: "Total number of invocations rejected or skipped by the execution quota.",
		},
	)
)

func init() {
	prometheus.MustRegister(executionsOpenedTotal)
	prometheus.MustRegister(executionsFinishedTotal)
	prometheus.MustRegister(quotaRejectionsTotal)
}
