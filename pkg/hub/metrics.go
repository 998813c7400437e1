package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "llmtap_hub_sessions",
		Help: "Viewer sessions currently registered with the distributor",
	})
	historyGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "llmtap_hub_history_entries",
		Help: "Entries held in the distributor history",
	})
	sessionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llmtap_hub_sessions_dropped_total",
		Help: "Sessions disconnected because their outbound queue was full",
	})
	updatesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llmtap_hub_updates_total",
		Help: "Entries published to connected sessions",
	})
)
