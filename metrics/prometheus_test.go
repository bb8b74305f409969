package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusReporterApply(t *testing.T) {
	x := NewPrometheusReporter(&PrometheusReporterConfig{ExtLabels: map[string]string{"app.name": "checkout"}})

	s := NewStore(0)
	require.NoError(t, s.Record(Scoped("WebTransaction/Go/cart", "tx"), BuildData(3, 1)))
	require.NoError(t, s.Record(Scoped("WebTransaction/Go/cart", "tx"), BuildData(7, 5)))
	require.NoError(t, s.Record(Unscoped("Supportability/Harvest/Metrics"), BuildCountData(4)))
	x.apply(s.DrainAndReset())

	lv := []string{"WebTransaction/Go/cart", "tx", "true"}
	assert.Equal(t, 2.0, testutil.ToFloat64(x.calls.WithLabelValues(lv...)))
	assert.Equal(t, 10.0, testutil.ToFloat64(x.total.WithLabelValues(lv...)))
	assert.Equal(t, 6.0, testutil.ToFloat64(x.exclusive.WithLabelValues(lv...)))
	assert.Equal(t, 58.0, testutil.ToFloat64(x.sumOfSquares.WithLabelValues(lv...)))
	assert.Equal(t, 3.0, testutil.ToFloat64(x.min.WithLabelValues(lv...)))
	assert.Equal(t, 7.0, testutil.ToFloat64(x.max.WithLabelValues(lv...)))
	assert.Equal(t, 4.0, testutil.ToFloat64(x.calls.WithLabelValues("Supportability/Harvest/Metrics", "", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(x.batches))

	assert.Equal(t, 2, testutil.CollectAndCount(x.calls))
}

func TestPrometheusReporterHTTP(t *testing.T) {
	x := NewPrometheusReporter(&PrometheusReporterConfig{
		HTTPListenAddr:    "127.0.0.1:0",
		EnableHealthCheck: true,
	})
	require.NoError(t, x.Start())
	t.Cleanup(x.Stop)

	s := NewStore(0)
	require.NoError(t, s.Record(Unscoped("Custom/a"), BuildData(2, 2)))
	x.Report(s.DrainAndReset())
	x.Report(s.DrainAndReset())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(x.batches) == 1
	}, time.Second, 10*time.Millisecond, "empty batches are not mirrored")

	base := "http://" + x.Addr().String()
	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `vigil_calls_total{metric="Custom/a",scope="",scoped="false"} 1`)

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
}

func TestPrometheusReporterStopDrainsQueue(t *testing.T) {
	x := NewPrometheusReporter(nil)
	require.NoError(t, x.Start())

	s := NewStore(0)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Record(Unscoped("Custom/a"), BuildData(1, 1)))
		x.Report(s.DrainAndReset())
	}
	x.Stop()
	x.Stop()

	assert.Equal(t, 10.0, testutil.ToFloat64(x.calls.WithLabelValues("Custom/a", "", "false")))
}

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "app_name", sanitizeLabel("app.name"))
	assert.False(t, strings.ContainsAny(sanitizeLabel("a-b/c d"), "-/ "))
}
