package tsm

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "meridian"
	subsystem = "tsm"
)

// engineMetrics are shared across every shard's engine components; each
// component decorates the same vectors with its own shard label.
type engineMetrics struct {
	PointsWritten *prometheus.CounterVec
	WALBytes      *prometheus.CounterVec
	WALSyncs      *prometheus.CounterVec
	CacheSize     *prometheus.GaugeVec
	Compactions   *prometheus.CounterVec
	BlocksWritten *prometheus.CounterVec
}

var (
	mmu sync.Mutex
	ems *engineMetrics
)

func metrics() *engineMetrics {
	mmu.Lock()
	defer mmu.Unlock()
	if ems == nil {
		ems = newEngineMetrics()
	}
	return ems
}

func newEngineMetrics() *engineMetrics {
	return &engineMetrics{
		PointsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "points_written_total",
			Help: "Number of points written to shard caches.",
		}, []string{"shard"}),
		WALBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "wal_bytes_total",
			Help: "Number of bytes appended across WAL streams.",
		}, []string{"shard"}),
		WALSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "wal_syncs_total",
			Help: "Number of fsync calls issued by WAL groups.",
		}, []string{"shard"}),
		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "cache_size_bytes",
			Help: "Current size of shard caches.",
		}, []string{"shard"}),
		Compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "compactions_total",
			Help: "Number of completed compactions.",
		}, []string{"shard", "level"}),
		BlocksWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "blocks_written_total",
			Help: "Number of blocks written to immutable files.",
		}, []string{"shard"}),
	}
}

// PrometheusCollectors returns the collectors for all engine metrics.
func PrometheusCollectors() []prometheus.Collector {
	m := metrics()
	return []prometheus.Collector{
		m.PointsWritten, m.WALBytes, m.WALSyncs, m.CacheSize, m.Compactions, m.BlocksWritten,
	}
}

// TrackPointsWritten records n points written to the shard's cache.
func TrackPointsWritten(shard string, n int) {
	metrics().PointsWritten.WithLabelValues(shard).Add(float64(n))
}

func trackWALBytes(shard string, n int) {
	metrics().WALBytes.WithLabelValues(shard).Add(float64(n))
}

func trackWALSync(shard string) {
	metrics().WALSyncs.WithLabelValues(shard).Inc()
}

func trackCacheSize(shard string, size uint64) {
	metrics().CacheSize.WithLabelValues(shard).Set(float64(size))
}

func trackCompaction(shard, level string) {
	metrics().Compactions.WithLabelValues(shard, level).Inc()
}

func trackBlocksWritten(shard string, n int) {
	metrics().BlocksWritten.WithLabelValues(shard).Add(float64(n))
}
