package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CatalogSegments = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "binlog_catalog_segments",
			Help: "Number of files in the last scanned replica catalog",
		},
		[]string{"kind"}, // binlog, snapshot
	)

	OpenSegments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "binlog_open_segment_handles",
		Help: "Currently open segment handles",
	})

	Rotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "binlog_rotations_total",
		Help: "Total number of segment rotations written",
	})

	RotationRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binlog_rotation_retries_total",
			Help: "Rotation attempts that did not complete",
		},
		[]string{"result"}, // retry, fatal
	)

	BytesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "binlog_bytes_appended_total",
		Help: "Total bytes appended by the writer",
	})

	FlushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "binlog_flush_seconds",
		Help:    "Histogram of writer batch flush and sync time",
		Buckets: prometheus.DefBuckets,
	})

	RaftApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binlog_raft_applied_total",
			Help: "Raft log entries applied to the binlog",
		},
		[]string{"result"}, // success, failure, skipped
	)
)
