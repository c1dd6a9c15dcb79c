package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	// Given
	reg := prometheus.NewRegistry()
	m := New(reg)

	// When
	m.ObserveChunk(256*1024, 100*time.Millisecond)
	m.ObserveChunk(256*1024, 200*time.Millisecond)
	m.AddDownloaded(10)
	m.IncRestore(Upload)
	m.IncRetry(Download)
	m.IncIntegrityFailure(Download)
	m.ObserveTransfer(Upload, "OK")

	// Then
	assert.Equal(t, float64(2), testutil.ToFloat64(m.chunks))
	assert.Equal(t, float64(512*1024), testutil.ToFloat64(m.bytes.WithLabelValues("upload")))
	assert.Equal(t, float64(10), testutil.ToFloat64(m.bytes.WithLabelValues("download")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.restores.WithLabelValues("upload")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.retries.WithLabelValues("download")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.integrityFailures.WithLabelValues("download")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transfers.WithLabelValues("upload", "OK")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveChunk(1, time.Second)
		m.AddDownloaded(1)
		m.IncRestore(Upload)
		m.IncRetry(Upload)
		m.IncIntegrityFailure(Upload)
		m.ObserveTransfer(Upload, "OK")
	})
}
