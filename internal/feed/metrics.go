package feed

import "github.com/prometheus/client_golang/prometheus"

var (
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "feed",
			Name:      "notifications_total",
			Help:      "Raw notifications received from the change feed",
		},
		[]string{"channel"},
	)

	decodeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "feed",
			Name:      "decode_failures_total",
			Help:      "Notifications dropped because they could not be decoded",
		},
	)
)

func init() {
	prometheus.MustRegister(notificationsTotal, decodeFailuresTotal)
}
