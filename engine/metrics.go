package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mirrorbot/repo-mirror/store"
)

// Metrics holds the prometheus collectors the engine records sync outcomes,
// latency, and active-sync count to. Collectors are held per instance
// rather than as package-level globals so more than one Engine (as in
// tests) can register metrics without colliding.
type Metrics struct {
	lastSyncTimestamp *prometheus.GaugeVec
	syncCount         *prometheus.CounterVec
	syncLatency       *prometheus.HistogramVec
	activeSyncs       prometheus.Gauge
}

// NewMetrics creates and registers the engine's prometheus collectors under
// metricsNamespace. Available metrics:
//   - <ns>_last_sync_timestamp (tags: pair_id) - Unix timestamp of the last successful sync.
//   - <ns>_sync_count (tags: pair_id, status) - count of sync attempts by outcome.
//   - <ns>_sync_latency_seconds (tags: pair_id) - sync attempt duration.
//   - <ns>_active_syncs - number of syncs currently in flight.
func NewMetrics(metricsNamespace string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		lastSyncTimestamp: promauto.With(registerer).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_sync_timestamp",
			Help:      "Timestamp of the last successful sync",
		}, []string{"pair_id"}),

		syncCount: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sync_count",
			Help:      "Count of sync attempts",
		}, []string{"pair_id", "status"}),

		syncLatency: promauto.With(registerer).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sync_latency_seconds",
			Help:      "Latency of sync attempts",
			Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 150, 300},
		}, []string{"pair_id"}),

		activeSyncs: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_syncs",
			Help:      "Number of syncs currently in flight",
		}),
	}
	return m
}

// Record implements worker.MetricsRecorder.
func (m *Metrics) Record(pairID string, status store.SyncStatus, start time.Time) {
	m.record(pairID, status, start)
}

func (m *Metrics) record(pairID string, status store.SyncStatus, start time.Time) {
	if m == nil {
		return
	}
	if status == store.StatusSuccess {
		m.lastSyncTimestamp.WithLabelValues(pairID).Set(float64(time.Now().Unix()))
	}
	m.syncCount.WithLabelValues(pairID, string(status)).Inc()
	m.syncLatency.WithLabelValues(pairID).Observe(time.Since(start).Seconds())
}

func (m *Metrics) setActiveSyncs(n int) {
	if m == nil {
		return
	}
	m.activeSyncs.Set(float64(n))
}
