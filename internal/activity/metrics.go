package activity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "summit_activity_queue_length",
		Help: "Events waiting in the durable activity queue.",
	})

	enqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "summit_activity_enqueued_total",
		Help: "Events written to the activity queue, including requeues.",
	})

	evictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "summit_activity_evicted_total",
		Help: "Oldest events dropped because the queue was full.",
	})

	deliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summit_activity_delivered_total",
			Help: "Events accepted by the backend, by delivery path.",
		},
		[]string{"path"},
	)

	requeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "summit_activity_requeued_total",
		Help: "Queued events put back after a failed delivery.",
	})

	deadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summit_activity_dead_lettered_total",
			Help: "Events handed to the dead-letter sink, by reason.",
		},
		[]string{"reason"},
	)

	trackedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summit_activity_tracked_total",
			Help: "Track calls by outcome.",
		},
		[]string{"outcome"},
	)

	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "summit_activity_flush_duration_seconds",
		Help:    "Time spent draining the activity queue.",
		Buckets: prometheus.DefBuckets,
	})

	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "summit_connectivity_online",
		Help: "1 while the backend is considered reachable.",
	})
)
