package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matrixstream",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "matrixstream",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	blocksEncoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matrixstream",
			Subsystem: "producer",
			Name:      "blocks_total",
			Help:      "Blocks written to response streams.",
		},
		[]string{"node", "mode"},
	)
	tilesEncoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matrixstream",
			Subsystem: "producer",
			Name:      "tiles_total",
			Help:      "Tiles written to response streams.",
		},
		[]string{"node", "mode"},
	)
	streamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "matrixstream",
			Subsystem: "producer",
			Name:      "stream_duration_seconds",
			Help:      "Time to produce one full matrix stream.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"node", "mode", "success"},
	)
	blocksDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "matrixstream",
			Subsystem: "decoder",
			Name:      "blocks_total",
			Help:      "Blocks accepted by stream decoders.",
		},
	)
	tilesDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "matrixstream",
			Subsystem: "decoder",
			Name:      "tiles_total",
			Help:      "Tiles recovered by stream decoders.",
		},
	)
	falsePositives = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "matrixstream",
			Subsystem: "decoder",
			Name:      "false_positives_total",
			Help:      "Start-marker candidates rejected by speculative parse.",
		},
	)
	unattributedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "matrixstream",
			Subsystem: "decoder",
			Name:      "unattributed_bytes_total",
			Help:      "Input bytes not covered by any accepted block.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			blocksEncoded, tilesEncoded, streamDuration,
			blocksDecoded, tilesDecoded, falsePositives, unattributedBytes,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordStream(node, mode string, blocks, tiles int, duration time.Duration, success bool) {
	RegisterMetrics()
	blocksEncoded.WithLabelValues(node, mode).Add(float64(blocks))
	tilesEncoded.WithLabelValues(node, mode).Add(float64(tiles))
	streamDuration.WithLabelValues(node, mode, strconv.FormatBool(success)).Observe(duration.Seconds())
}

// DecodeStats mirrors scan.Stats without importing the decoder.
type DecodeStats struct {
	Blocks            int
	Tiles             int
	FalsePositives    int
	UnattributedBytes int64
}

func RecordDecode(st DecodeStats) {
	RegisterMetrics()
	blocksDecoded.Add(float64(st.Blocks))
	tilesDecoded.Add(float64(st.Tiles))
	falsePositives.Add(float64(st.FalsePositives))
	unattributedBytes.Add(float64(st.UnattributedBytes))
}
