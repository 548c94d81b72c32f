package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Handler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ConnectionsOpen.Set(3)
	m.Backpressure.Inc()
	m.PingRTT.WithLabelValues("server").Observe(42)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	for _, want := range []string{
		"arena_gateway_connections_open 3",
		"arena_gateway_router_backpressure_total 1",
		`arena_gateway_ping_rtt_milliseconds_count{source="server"} 1`,
	} {
		assert.Contains(t, string(body), want)
	}
}

func TestMetrics_Independent(t *testing.T) {
	a := OrNop(nil)
	b := OrNop(nil)
	a.FrameErrors.Inc()

	assert.Zero(t, testutil.ToFloat64(b.FrameErrors), "separate registry")
	assert.Equal(t, float64(1), testutil.ToFloat64(a.FrameErrors))
}
