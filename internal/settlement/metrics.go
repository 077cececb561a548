package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	intentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanlink",
		Subsystem: "settlement",
		Name:      "intents_total",
		Help:      "Payment intents by outcome.",
	}, []string{"status"}) // "created", "error"

	webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanlink",
		Subsystem: "settlement",
		Name:      "webhooks_total",
		Help:      "Webhook deliveries by outcome.",
	}, []string{"status"}) // "settled", "duplicate", "failed", "ignored", "rejected", "error"

	tokensSettled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fanlink",
		Subsystem: "settlement",
		Name:      "tokens_settled_total",
		Help:      "Tokens credited from confirmed purchases.",
	})
)

func init() {
	prometheus.MustRegister(
		intentsTotal,
		webhooksTotal,
		tokensSettled,
	)
}
