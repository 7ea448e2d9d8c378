package metrics

import (
	"fmt"
	"net/http"

	"github.com/downfa11-org/go-binlog/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(RecordsReplayed, BytesReplayed, CrcChecks, IntegrityFailures, SkippedBytes, ReplayChunkLatency)
	prometheus.MustRegister(CatalogSegments, OpenSegments, Rotations, RotationRetries, BytesAppended, FlushLatency, RaftApplied)
}

func StartMetricsServer(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", port)
		util.Info("[METRICS] Prometheus exporter listening on %s", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			util.Error("[METRICS] Failed to start metrics server: %v", err)
		}
	}()
}

// PushFlush records one writer flush.
func PushFlush(bytes int, elapsedSeconds float64) {
	BytesAppended.Add(float64(bytes))
	FlushLatency.Observe(elapsedSeconds)
}
