package billing

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fanlink",
		Subsystem: "billing",
		Name:      "sessions_started_total",
		Help:      "Total call sessions created.",
	})

	sessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanlink",
		Subsystem: "billing",
		Name:      "sessions_ended_total",
		Help:      "Total call sessions ended by reason.",
	}, []string{"reason"}) // "hangup", "insufficient_funds", "unanswered"

	blocksBilledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fanlink",
		Subsystem: "billing",
		Name:      "blocks_billed_total",
		Help:      "Total billing blocks charged across all sessions.",
	})

	tokensBilled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fanlink",
		Subsystem: "billing",
		Name:      "tokens_billed_total",
		Help:      "Total tokens charged for call blocks.",
	})

	sessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fanlink",
		Subsystem: "billing",
		Name:      "session_duration_seconds",
		Help:      "Time from answer to end in seconds.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})
)

func init() {
	prometheus.MustRegister(
		sessionsStarted,
		sessionsEnded,
		blocksBilledTotal,
		tokensBilled,
		sessionDuration,
	)
}
