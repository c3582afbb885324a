package live

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "live",
			Name:      "events_total",
			Help:      "Change events processed by fan-out workers",
		},
		[]string{"kind"},
	)

	routeMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "live",
			Name:      "route_misses_total",
			Help:      "Change events dropped because no worker serves their topic",
		},
	)

	deliveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "live",
			Name:      "deliveries_total",
			Help:      "Rendered events delivered to subscriber channels",
		},
	)

	droppedSubscribersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "live",
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers pruned from fan-out workers",
		},
		[]string{"reason"},
	)

	activeTopics = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chatd",
			Subsystem: "live",
			Name:      "active_topics",
			Help:      "Fan-out workers currently running",
		},
	)

	activeSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chatd",
			Subsystem: "live",
			Name:      "active_subscribers",
			Help:      "Subscribers currently registered across all topics",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, routeMissesTotal, deliveriesTotal, droppedSubscribersTotal, activeTopics, activeSubscribers)
}
