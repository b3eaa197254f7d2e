package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the client and server binaries.
type Metrics struct {
	// Upload/download metrics
	UploadsTotal          *prometheus.CounterVec
	UploadsActive         prometheus.Gauge
	UploadDuration        prometheus.Histogram
	BytesTotal            *prometheus.CounterVec // label: total|unique, direction: upload|download
	SharesSentTotal       prometheus.Counter
	SharesReceivedTotal   prometheus.Counter
	DedupHitsTotal        *prometheus.CounterVec // label: intra|inter

	// Connection metrics
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionsActive  prometheus.Gauge
	ConnectionDuration prometheus.Histogram

	// Dispersal metrics
	DispersalsTotal              prometheus.Counter
	ReconstructionsTotal         prometheus.Counter
	ReconstructionFailuresTotal  prometheus.Counter

	// Crypto metrics
	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram
	IntegrityChecksTotal    *prometheus.CounterVec // label: result

	// Server storage metrics
	ContainerFlushDuration  prometheus.Histogram
	KVOperationsTotal       *prometheus.CounterVec
	DiskSpaceUsedBytes      prometheus.Gauge
	BufferNodeEvictionTotal prometheus.Counter

	registry      *prometheus.Registry
	activeUploads int64
}

// NewMetrics creates and registers all Prometheus metrics against a private
// registry, so multiple Metrics instances (e.g. one per test) never collide
// on the global default registerer.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispersa_uploads_total",
				Help: "Total upload sessions initiated",
			},
			[]string{"status"},
		),

		UploadsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispersa_uploads_active",
				Help: "Currently active upload sessions",
			},
		),

		UploadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispersa_upload_duration_seconds",
				Help:    "Upload completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),

		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispersa_bytes_total",
				Help: "Bytes moved, labeled by direction and uniqueness",
			},
			[]string{"direction", "kind"},
		),

		SharesSentTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dispersa_shares_sent_total",
				Help: "Total shares sent",
			},
		),

		SharesReceivedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dispersa_shares_received_total",
				Help: "Total shares received",
			},
		),

		DedupHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispersa_dedup_hits_total",
				Help: "Shares skipped due to dedup, labeled intra/inter user",
			},
			[]string{"scope"},
		),

		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispersa_connections_total",
				Help: "Connection attempts",
			},
			[]string{"result"},
		),

		ConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispersa_connections_active",
				Help: "Active connections",
			},
		),

		ConnectionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispersa_connection_duration_seconds",
				Help:    "Connection lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),

		DispersalsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dispersa_dispersals_total",
				Help: "Secrets dispersed into shares",
			},
		),

		ReconstructionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dispersa_reconstructions_total",
				Help: "Secrets reconstructed from shares",
			},
		),

		ReconstructionFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dispersa_reconstruction_failures_total",
				Help: "Failed reconstructions (too few shares)",
			},
		),

		CryptoOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispersa_crypto_operations_total",
				Help: "Cryptographic operations performed",
			},
			[]string{"operation"},
		),

		CryptoOperationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispersa_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		IntegrityChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispersa_integrity_checks_total",
				Help: "shareFP verification checks at ingest",
			},
			[]string{"result"},
		),

		ContainerFlushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispersa_container_flush_duration_seconds",
				Help:    "Container flush-to-disk latency",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		KVOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispersa_kv_operations_total",
				Help: "KV index operation count",
			},
			[]string{"operation", "result"},
		),

		DiskSpaceUsedBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispersa_disk_space_used_bytes",
				Help: "Disk space used by share containers",
			},
		),

		BufferNodeEvictionTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dispersa_buffer_node_eviction_total",
				Help: "Per-user buffer nodes evicted by the idle sweeper",
			},
		),
	}

	return m
}

// RecordUploadStart increments active upload counters.
func (m *Metrics) RecordUploadStart() {
	atomic.AddInt64(&m.activeUploads, 1)
	m.UploadsActive.Set(float64(atomic.LoadInt64(&m.activeUploads)))
}

// RecordUploadComplete records upload completion metrics.
func (m *Metrics) RecordUploadComplete(success bool, durationSeconds float64, totalBytes, uniqueBytes int64) {
	atomic.AddInt64(&m.activeUploads, -1)
	m.UploadsActive.Set(float64(atomic.LoadInt64(&m.activeUploads)))

	status := "success"
	if !success {
		status = "failure"
	}

	m.UploadsTotal.WithLabelValues(status).Inc()
	m.UploadDuration.Observe(durationSeconds)
	m.BytesTotal.WithLabelValues("upload", "total").Add(float64(totalBytes))
	m.BytesTotal.WithLabelValues("upload", "unique").Add(float64(uniqueBytes))
}

// RecordShareSent updates metrics for a sent share.
func (m *Metrics) RecordShareSent(bytes int) {
	m.SharesSentTotal.Inc()
	m.BytesTotal.WithLabelValues("upload", "total").Add(float64(bytes))
}

// RecordShareReceived updates metrics for a received share.
func (m *Metrics) RecordShareReceived(bytes int) {
	m.SharesReceivedTotal.Inc()
	m.BytesTotal.WithLabelValues("download", "total").Add(float64(bytes))
}

// RecordDedupHit increments dedup-hit counters for the given scope.
func (m *Metrics) RecordDedupHit(interUser bool) {
	scope := "intra"
	if interUser {
		scope = "inter"
	}
	m.DedupHitsTotal.WithLabelValues(scope).Inc()
}

// RecordConnection logs connection attempts.
func (m *Metrics) RecordConnection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.ConnectionsTotal.WithLabelValues(result).Inc()

	if success {
		m.ConnectionsActive.Inc()
	}
}

// RecordConnectionClose updates metrics for closed connections.
func (m *Metrics) RecordConnectionClose(durationSeconds float64) {
	m.ConnectionsActive.Dec()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordCryptoOperation records cryptographic operation duration.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// RecordIntegrityCheck increments the shareFP verification counters.
func (m *Metrics) RecordIntegrityCheck(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.IntegrityChecksTotal.WithLabelValues(result).Inc()
}

// RecordReconstruction updates dispersal reconstruction counters.
func (m *Metrics) RecordReconstruction(success bool) {
	if success {
		m.ReconstructionsTotal.Inc()
	} else {
		m.ReconstructionFailuresTotal.Inc()
	}
}

// RecordBufferNodeEviction increments the eviction counter.
func (m *Metrics) RecordBufferNodeEviction() {
	m.BufferNodeEvictionTotal.Inc()
}

// Handler exposes the Prometheus metrics endpoint for this instance's
// private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
