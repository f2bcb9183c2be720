package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Decision("US", "skip")
		m.ProviderCall("yahoo", "daily", "ok", time.Second)
		m.BarsUpserted("daily", 3)
		m.Warning("zero_price")
		m.RawBacklog(2)
		m.SchedulerPass("US", "ok")
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.Decision("US", "skip")
	m.Decision("US", "skip")
	m.ProviderCall("yahoo", "daily", "error", 10*time.Millisecond)
	m.BarsUpserted("history", 250)
	m.BarsUpserted("history", 0)
	m.RawBacklog(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("US", "skip")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerCalls.WithLabelValues("yahoo", "daily", "error")))
	assert.Equal(t, 250.0, testutil.ToFloat64(m.etlRows.WithLabelValues("history")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.rawBacklog))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Warning("fx_missing")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `marketcore_data_quality_warnings_total{kind="fx_missing"} 1`)
}
