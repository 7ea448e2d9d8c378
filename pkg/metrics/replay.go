package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RecordsReplayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binlog_records_replayed_total",
			Help: "Total number of records dispatched during replay",
		},
		[]string{"kind"}, // start, tag, timestamp, crc32, rotate_to, rotate_from, noop, app
	)

	BytesReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "binlog_bytes_replayed_total",
		Help: "Total number of log bytes consumed by replay",
	})

	CrcChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binlog_crc_checks_total",
			Help: "Total CRC checkpoints verified",
		},
		[]string{"result"}, // ok, mismatch
	)

	IntegrityFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binlog_integrity_failures_total",
			Help: "Total structural integrity failures detected",
		},
		[]string{"reason"},
	)

	SkippedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "binlog_skipped_bytes_total",
		Help: "Bytes skipped over bad records when skipping is enabled",
	})

	ReplayChunkLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "binlog_replay_chunk_seconds",
		Help:    "Histogram of time spent feeding one read chunk",
		Buckets: prometheus.DefBuckets,
	})
)

// ObserveRecord counts one dispatched record of the given kind and size.
func ObserveRecord(kind string, size int) {
	RecordsReplayed.WithLabelValues(kind).Inc()
	BytesReplayed.Add(float64(size))
}
