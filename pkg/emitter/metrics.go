package emitter

import "github.com/prometheus/client_golang/prometheus"

var updatesDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "glasswing_emitter_updates_dropped_total",
		Help: "Updates dropped because a subscriber channel was full",
	},
	[]string{"update_type"},
)

func init() {
	prometheus.MustRegister(updatesDropped)
}
