package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summit_api_requests_total",
			Help: "Backend request attempts by method, path and outcome code.",
		},
		[]string{"method", "path", "code"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "summit_api_request_duration_seconds",
			Help:    "Backend request attempt latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	authRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "summit_api_auth_retries_total",
			Help: "Requests that hit a 401 and went through refresh-and-retry.",
		},
	)
)
