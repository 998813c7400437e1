package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llmtap_records_appended_total",
		Help: "Records durably appended to the shared log",
	})
	appendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llmtap_append_errors_total",
		Help: "Appends that failed and left the log unchanged",
	})
	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "llmtap_append_duration_seconds",
		Help:    "Time spent encoding, writing and syncing one record",
		Buckets: prometheus.DefBuckets,
	})
)
