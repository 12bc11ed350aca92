package docker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for invocation outcome.
const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

var (
	invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_docker_invocations_total",
			Help: "Total number of trigger invocations sent to runtime containers.",
		},
		[]string{"outcome"},
	)

	readinessWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conduit_docker_readiness_wait_seconds",
			Help:    "Time spent waiting for a runtime container to pass its readiness probe.",
			Buckets: prometheus.DefBuckets,
		},
	)

	imagePullsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_docker_image_pulls_total",
			Help: "Total number of runtime images pulled.",
		},
	)

	containersReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_docker_containers_reclaimed_total",
			Help: "Total number of idle runtime containers stopped by the reclamation sweep.",
		},
	)
)

func init() {
	prometheus.MustRegister(invocationsTotal)
	prometheus.MustRegister(readinessWaitSeconds)
	prometheus.MustRegister(imagePullsTotal)
	prometheus.MustRegister(containersReclaimedTotal)

	invocationsTotal.WithLabelValues(outcomeOK)
	invocationsTotal.WithLabelValues(outcomeError)
}
