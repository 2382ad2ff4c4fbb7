package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveDownloadCountsBytes(t *testing.T) {
	before := testutil.ToFloat64(downloadsTotal.WithLabelValues("generic", "success"))
	beforeBytes := testutil.ToFloat64(downloadBytesTotal.WithLabelValues("generic"))

	ObserveDownload("generic", "success", 512)
	ObserveDownload("generic", "success", 0)

	require.InDelta(t, before+2, testutil.ToFloat64(downloadsTotal.WithLabelValues("generic", "success")), 1e-9)
	require.InDelta(t, beforeBytes+512, testutil.ToFloat64(downloadBytesTotal.WithLabelValues("generic")), 1e-9)
}

func TestActiveWorkersGauge(t *testing.T) {
	start := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	require.InDelta(t, start+1, testutil.ToFloat64(activeWorkers), 1e-9)
	DecActiveWorkers()
}

func TestCollectorsRegisterCleanly(t *testing.T) {
	ObserveJitterDelay(3 * time.Second)
	ObserveHTTPRequest("GET", "/healthz", 200, 10*time.Millisecond)

	reg := prometheus.NewRegistry()
	for _, c := range Collectors() {
		require.NoError(t, reg.Register(c))
	}
	require.Equal(t, 1, testutil.CollectAndCount(jitterDelaySeconds, "zipmailer_jitter_delay_seconds"))
}

func TestInitIsIdempotent(t *testing.T) {
	require.NotPanics(t, func() {
		Init()
		Init()
	})
}
