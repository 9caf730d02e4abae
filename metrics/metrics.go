// Package metrics holds the prometheus instruments shared by the
// catalogue packages.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// MountReloads counts full reloads of the mount and time-shard
	// tables, labelled by which table was refreshed.
	MountReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridcat_mount_reloads_total",
		Help: "Full reloads of the shard routing tables.",
	}, []string{"table"})

	// Lookups counts resolver lookups by kind and whether the name
	// was found.
	Lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridcat_lookups_total",
		Help: "Catalogue lookups by kind and outcome.",
	}, []string{"kind", "outcome"})

	// BookingOps counts lease protocol operations by verb and outcome.
	BookingOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridcat_booking_ops_total",
		Help: "Write booking operations by verb and outcome.",
	}, []string{"op", "outcome"})

	// CleanupDeletes counts rows removed by the deferred cleanup
	// workers, labelled by row kind.
	CleanupDeletes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridcat_cleanup_deletes_total",
		Help: "Rows deleted by the background cleanup workers.",
	}, []string{"kind"})

	// CleanupDepth tracks the number of entries waiting in the
	// cleanup queues.
	CleanupDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridcat_cleanup_queue_depth",
		Help: "Entries waiting in the deferred cleanup queues.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		MountReloads,
		Lookups,
		BookingOps,
		CleanupDeletes,
		CleanupDepth,
	)
}
