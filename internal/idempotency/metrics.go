package idempotency

import "github.com/prometheus/client_golang/prometheus"

var (
	replaysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanlink",
		Subsystem: "idempotency",
		Name:      "replays_total",
		Help:      "Retries answered from a stored response, by operation.",
	}, []string{"operation"})

	conflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanlink",
		Subsystem: "idempotency",
		Name:      "conflicts_total",
		Help:      "Retries rejected while the first attempt was in flight.",
	}, []string{"operation"})

	purgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fanlink",
		Subsystem: "idempotency",
		Name:      "purged_total",
		Help:      "Expired idempotency records removed by the sweep.",
	})
)

func init() {
	prometheus.MustRegister(
		replaysTotal,
		conflictsTotal,
		purgedTotal,
	)
}
