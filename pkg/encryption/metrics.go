package encryption

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsEncrypted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "glasswing_encryption_events_encrypted_total",
			Help: "Total number of room events encrypted",
		},
	)

	keyShares = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "glasswing_encryption_key_shares_total",
			Help: "Total number of share-room-keys operations delegated to the crypto engine",
		},
	)

	invalidAlgorithms = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "glasswing_encryption_invalid_algorithms_total",
			Help: "Total number of unsupported or conflicting room algorithm claims",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsEncrypted, keyShares, invalidAlgorithms)
}
