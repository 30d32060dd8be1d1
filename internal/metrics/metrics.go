// Package metrics holds the Prometheus collectors shared by the station and the store.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Station side

	CheckInsRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkin_recorded_total",
			Help: "Check-in attempts by outcome (admitted, duplicate, queued, failed)",
		},
		[]string{"status"},
	)

	RemoteWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "checkin_remote_write_duration_seconds",
			Help:    "Latency of check-in submissions to the store",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "checkin_queue_depth",
			Help: "Check-ins waiting in the local queue",
		},
	)

	SyncPassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "checkin_sync_passes_total",
			Help: "Completed sync passes",
		},
	)

	SyncRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkin_sync_records_total",
			Help: "Queued check-ins processed by sync passes, by result (synced, failed)",
		},
		[]string{"result"},
	)

	StuckRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "checkin_sync_stuck_records",
			Help: "Queued check-ins at or over the retry ceiling after the last pass",
		},
	)

	Online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "checkin_station_online",
			Help: "1 when the store is reachable from the station",
		},
	)

	// Store side

	StoreWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkin_store_writes_total",
			Help: "Check-in submissions handled by the store, by result (created, duplicate, invalid, error)",
		},
		[]string{"result"},
	)

	StoreIndexHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "checkin_store_index_hits_total",
			Help: "Duplicate submissions answered from the in-memory index",
		},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. It is safe
// to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(CheckInsRecordedTotal)
		prometheus.MustRegister(RemoteWriteDuration)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(SyncPassesTotal)
		prometheus.MustRegister(SyncRecordsTotal)
		prometheus.MustRegister(StuckRecords)
		prometheus.MustRegister(Online)
		prometheus.MustRegister(StoreWritesTotal)
		prometheus.MustRegister(StoreIndexHitsTotal)
	})
}
