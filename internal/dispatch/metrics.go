package dispatch

import "github.com/prometheus/client_golang/prometheus"

var webhooksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conduit_dispatch_webhooks_total",
		Help: "Total number of dispatched inbound webhooks, by owner and outcome.",
	},
	[]string{"owner", "outcome"},
)

func init() {
	prometheus.MustRegister(webhooksTotal)
}

func observeWebhook(owner string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	webhooksTotal.WithLabelValues(owner, outcome).Inc()
}
