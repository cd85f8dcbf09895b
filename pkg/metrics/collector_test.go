package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainconn/rpc-connector/pkg/interfaces"
)

// newTestCollector creates a collector for testing with a custom registry
func newTestCollector(config *CollectorConfig) *Collector {
	return NewCollectorWithRegistry(config, prometheus.NewRegistry())
}

func TestNewCollector_Defaults(t *testing.T) {
	tests := []struct {
		name   string
		config *CollectorConfig
		want   int
	}{
		{name: "nil config", config: nil, want: 1000},
		{name: "zero window", config: &CollectorConfig{}, want: 1000},
		{name: "custom window", config: &CollectorConfig{MaxLatencies: 10}, want: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCollector(tt.config)
			assert.Equal(t, tt.want, c.maxLatencies)
			assert.NotNil(t, c.prometheusMetrics)
		})
	}
}

func TestCollector_ConnectionCounters(t *testing.T) {
	c := newTestCollector(nil)

	c.SocketConnected("polkadot", "wss://a.example")
	c.SocketDisconnected("polkadot")
	c.SocketConnected("polkadot", "wss://b.example")
	c.StaleRotation("polkadot")

	pm := c.prometheusMetrics
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.connects.WithLabelValues("polkadot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.disconnects.WithLabelValues("polkadot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.staleRotations.WithLabelValues("polkadot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.connected.WithLabelValues("polkadot")))
}

func TestCollector_Gauges(t *testing.T) {
	c := newTestCollector(nil)

	c.SetSocketUsers("kusama", 3)
	c.SetOpenSockets(2)
	c.SetActiveSubscriptions("kusama", 5)
	c.CacheHit("kusama")

	pm := c.prometheusMetrics
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.socketUsers.WithLabelValues("kusama")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.openSockets))
	assert.Equal(t, 5.0, testutil.ToFloat64(pm.subscriptions.WithLabelValues("kusama")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.cacheHits.WithLabelValues("kusama")))
}

func TestCollector_RequestCompleted(t *testing.T) {
	c := newTestCollector(nil)

	c.RequestCompleted("polkadot", "system_health", interfaces.OutcomeSuccess, 10*time.Millisecond)
	c.RequestCompleted("polkadot", "system_health", interfaces.OutcomeTimeout, time.Minute)

	pm := c.prometheusMetrics
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.requests.WithLabelValues("polkadot", "system_health", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.requests.WithLabelValues("polkadot", "system_health", "timeout")))

	// only successful round trips feed the latency window
	stats := c.Latency("polkadot", 0)
	assert.Equal(t, 1, stats.SampleCount)
	assert.Equal(t, 10*time.Millisecond, stats.Max)
}

func TestCollector_Latency(t *testing.T) {
	c := newTestCollector(&CollectorConfig{MaxLatencies: 100})

	empty := c.Latency("polkadot", 50)
	assert.Equal(t, "polkadot", empty.ChainID)
	assert.Zero(t, empty.SampleCount)

	for i := 1; i <= 100; i++ {
		c.RequestCompleted("polkadot", "chain_getBlock", interfaces.OutcomeSuccess, time.Duration(i)*time.Millisecond)
	}

	stats := c.Latency("polkadot", 0)
	assert.Equal(t, 100, stats.SampleCount)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 50500*time.Microsecond, stats.Average)
	assert.Equal(t, 50500*time.Microsecond, stats.Median)
	assert.Equal(t, 96*time.Millisecond, stats.P95)
	assert.Equal(t, 100*time.Millisecond, stats.P99)

	window := c.Latency("polkadot", 10)
	assert.Equal(t, 10, window.SampleCount)
	assert.Equal(t, 91*time.Millisecond, window.Min)
	assert.Equal(t, 100*time.Millisecond, window.Max)
}

func TestCollector_LatencyWindowIsBounded(t *testing.T) {
	c := newTestCollector(&CollectorConfig{MaxLatencies: 5})
	for i := 1; i <= 8; i++ {
		c.RequestCompleted("polkadot", "m", interfaces.OutcomeSuccess, time.Duration(i)*time.Millisecond)
	}

	stats := c.Latency("polkadot", 0)
	assert.Equal(t, 5, stats.SampleCount)
	assert.Equal(t, 4*time.Millisecond, stats.Min)
}

func TestCollector_Handler(t *testing.T) {
	c := newTestCollector(nil)
	c.SocketConnected("polkadot", "wss://a.example")

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `chainconn_socket_connects_total{chain="polkadot"} 1`)
}
