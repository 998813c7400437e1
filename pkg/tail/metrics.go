package tail

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	unitsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llmtap_tail_units_emitted_total",
		Help: "Complete units parsed from the log and handed to the distributor",
	})
	parseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llmtap_tail_parse_errors_total",
		Help: "Malformed units skipped by the watcher",
	})
	knownSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "llmtap_tail_known_size_bytes",
		Help: "Byte offset up to which the log has been consumed",
	})
)
