package decryption

import "github.com/prometheus/client_golang/prometheus"

var (
	decryptResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glasswing_decryption_results_total",
			Help: "Decryption attempts by outcome",
		},
		[]string{"outcome"},
	)

	pendingEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "glasswing_decryption_pending_events",
			Help: "Events currently awaiting a room key",
		},
	)
)

func init() {
	prometheus.MustRegister(decryptResults, pendingEvents)
}
