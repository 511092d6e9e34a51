package backup

import "github.com/prometheus/client_golang/prometheus"

var (
	keysImported = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "glasswing_backup_keys_imported_total",
			Help: "Total number of session keys imported from backup",
		},
	)

	entriesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "glasswing_backup_entries_skipped_total",
			Help: "Backup entries skipped due to missing fields or failed decryption",
		},
	)

	importsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "glasswing_backup_imports_rejected_total",
			Help: "Import requests rejected because an import was already in progress",
		},
	)

	importDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "glasswing_backup_import_duration_seconds",
			Help:    "Duration of completed backup imports",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)

func init() {
	prometheus.MustRegister(keysImported, entriesSkipped, importsRejected, importDuration)
}
