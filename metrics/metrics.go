// Package metrics exports transfer counters and histograms to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "blobxfer"

// Direction labels the metrics of uploads and downloads.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// Metrics holds the transfer collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	bytes             *prometheus.CounterVec
	chunks            prometheus.Counter
	chunkDuration     prometheus.Histogram
	restores          *prometheus.CounterVec
	retries           *prometheus.CounterVec
	integrityFailures *prometheus.CounterVec
	transfers         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes confirmed by the service (upload) or delivered to the caller (download).",
		}, []string{"direction"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_chunks_total",
			Help:      "Upload chunks acknowledged by the service.",
		}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_chunk_duration_seconds",
			Help:      "Time to upload one chunk, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Upload session restores and read restarts.",
		}, []string{"direction"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried transport calls.",
		}, []string{"direction"}),
		integrityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_failures_total",
			Help:      "Transfers failed by a digest mismatch.",
		}, []string{"direction"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Finished transfers by outcome.",
		}, []string{"direction", "code"}),
	}

	if reg != nil {
		reg.MustRegister(m.bytes, m.chunks, m.chunkDuration, m.restores, m.retries, m.integrityFailures, m.transfers)
	}
	return m
}

// ObserveChunk records an acknowledged upload chunk.
func (m *Metrics) ObserveChunk(size int, d time.Duration) {
	if m == nil {
		return
	}
	m.chunks.Inc()
	m.chunkDuration.Observe(d.Seconds())
	m.bytes.WithLabelValues(string(Upload)).Add(float64(size))
}

// AddDownloaded records bytes handed to a reader.
func (m *Metrics) AddDownloaded(n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(string(Download)).Add(float64(n))
}

// IncRestore records an upload restore or a read restart.
func (m *Metrics) IncRestore(d Direction) {
	if m == nil {
		return
	}
	m.restores.WithLabelValues(string(d)).Inc()
}

// IncRetry records a retried call.
func (m *Metrics) IncRetry(d Direction) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(d)).Inc()
}

// IncIntegrityFailure records a digest mismatch.
func (m *Metrics) IncIntegrityFailure(d Direction) {
	if m == nil {
		return
	}
	m.integrityFailures.WithLabelValues(string(d)).Inc()
}

// ObserveTransfer records a finished transfer with its status code name, "OK" on success.
func (m *Metrics) ObserveTransfer(d Direction, code string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(string(d), code).Inc()
}
