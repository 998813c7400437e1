package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llmtap_upstream_latency_seconds",
		Help:    "Time spent proxying requests to upstream targets",
		Buckets: prometheus.DefBuckets,
	}, []string{"target"})

	upstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llmtap_upstream_errors_total",
		Help: "Requests that failed before the upstream answered",
	}, []string{"target"})

	targetHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "llmtap_target_healthy",
		Help: "1 when the last health check of a load balancer target passed",
	}, []string{"target"})
)
