package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chainconn/rpc-connector/pkg/interfaces"
)

// Collector implements interfaces.ConnectorMetrics on top of Prometheus and
// keeps a bounded window of request latencies per chain.
type Collector struct {
	mu sync.RWMutex

	latencies    map[string][]LatencyRecord
	maxLatencies int

	registry          prometheus.Gatherer
	prometheusMetrics *PrometheusMetrics
}

var _ interfaces.ConnectorMetrics = (*Collector)(nil)

// LatencyRecord stores one request latency.
type LatencyRecord struct {
	Timestamp time.Time
	Duration  time.Duration
}

// LatencyStats summarizes the latency window of a chain.
type LatencyStats struct {
	ChainID     string        `json:"chain_id"`
	SampleCount int           `json:"sample_count"`
	Average     time.Duration `json:"average"`
	Min         time.Duration `json:"min"`
	Max         time.Duration `json:"max"`
	Median      time.Duration `json:"median"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
}

// CollectorConfig contains configuration for the metrics collector
type CollectorConfig struct {
	// MaxLatencies bounds the per-chain latency window.
	MaxLatencies int
}

// PrometheusMetrics contains all Prometheus metric collectors
type PrometheusMetrics struct {
	connects        *prometheus.CounterVec
	disconnects     *prometheus.CounterVec
	staleRotations  *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheHits       *prometheus.CounterVec
	socketUsers     *prometheus.GaugeVec
	openSockets     prometheus.Gauge
	subscriptions   *prometheus.GaugeVec
	connected       *prometheus.GaugeVec
}

func defaultCollectorConfig() *CollectorConfig {
	return &CollectorConfig{MaxLatencies: 1000}
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(config *CollectorConfig) *Collector {
	c := newCollector(config)
	c.registry = prometheus.DefaultGatherer
	c.initPrometheusMetrics(promauto.With(prometheus.DefaultRegisterer))
	return c
}

// NewCollectorWithRegistry creates a collector registered on registry.
func NewCollectorWithRegistry(config *CollectorConfig, registry *prometheus.Registry) *Collector {
	c := newCollector(config)
	c.registry = registry
	c.initPrometheusMetrics(promauto.With(registry))
	return c
}

func newCollector(config *CollectorConfig) *Collector {
	if config == nil || config.MaxLatencies <= 0 {
		config = defaultCollectorConfig()
	}
	return &Collector{
		latencies:    make(map[string][]LatencyRecord),
		maxLatencies: config.MaxLatencies,
	}
}

func (c *Collector) initPrometheusMetrics(factory promauto.Factory) {
	c.prometheusMetrics = &PrometheusMetrics{
		connects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainconn_socket_connects_total",
			Help: "Successful socket connections by chain",
		}, []string{"chain"}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainconn_socket_disconnects_total",
			Help: "Socket disconnections by chain",
		}, []string{"chain"}),
		staleRotations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainconn_stale_rotations_total",
			Help: "Full endpoint rotations that failed to connect",
		}, []string{"chain"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainconn_requests_total",
			Help: "Requests by chain, method and outcome",
		}, []string{"chain", "method", "outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chainconn_request_duration_seconds",
			Help:    "Request round trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainconn_cache_hits_total",
			Help: "Cacheable requests answered from the response cache",
		}, []string{"chain"}),
		socketUsers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chainconn_socket_users",
			Help: "Callers currently holding a chain's socket",
		}, []string{"chain"}),
		openSockets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chainconn_open_sockets",
			Help: "Sockets currently held by the connector",
		}),
		subscriptions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chainconn_subscriptions_active",
			Help: "Active subscriptions by chain",
		}, []string{"chain"}),
		connected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chainconn_socket_connected",
			Help: "Connection status (1 = connected, 0 = disconnected)",
		}, []string{"chain"}),
	}
}

// SocketConnected records a successful connection.
func (c *Collector) SocketConnected(chainID, url string) {
	c.prometheusMetrics.connects.WithLabelValues(chainID).Inc()
	c.prometheusMetrics.connected.WithLabelValues(chainID).Set(1)
}

// SocketDisconnected records a lost or closed connection.
func (c *Collector) SocketDisconnected(chainID string) {
	c.prometheusMetrics.disconnects.WithLabelValues(chainID).Inc()
	c.prometheusMetrics.connected.WithLabelValues(chainID).Set(0)
}

// StaleRotation records an exhausted endpoint rotation.
func (c *Collector) StaleRotation(chainID string) {
	c.prometheusMetrics.staleRotations.WithLabelValues(chainID).Inc()
}

// RequestCompleted records a finished request and its latency.
func (c *Collector) RequestCompleted(chainID, method, outcome string, duration time.Duration) {
	c.prometheusMetrics.requests.WithLabelValues(chainID, method, outcome).Inc()
	if outcome != interfaces.OutcomeSuccess {
		return
	}
	c.prometheusMetrics.requestDuration.WithLabelValues(chainID).Observe(duration.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies[chainID] = append(c.latencies[chainID], LatencyRecord{
		Timestamp: time.Now(),
		Duration:  duration,
	})
	if len(c.latencies[chainID]) > c.maxLatencies {
		c.latencies[chainID] = c.latencies[chainID][1:]
	}
}

func (c *Collector) CacheHit(chainID string) {
	c.prometheusMetrics.cacheHits.WithLabelValues(chainID).Inc()
}

func (c *Collector) SetSocketUsers(chainID string, users int) {
	c.prometheusMetrics.socketUsers.WithLabelValues(chainID).Set(float64(users))
}

func (c *Collector) SetOpenSockets(n int) {
	c.prometheusMetrics.openSockets.Set(float64(n))
}

func (c *Collector) SetActiveSubscriptions(chainID string, n int) {
	c.prometheusMetrics.subscriptions.WithLabelValues(chainID).Set(float64(n))
}

// Latency summarizes the last windowSize successful requests of a chain.
// A non-positive windowSize uses the whole window.
func (c *Collector) Latency(chainID string, windowSize int) LatencyStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := LatencyStats{ChainID: chainID}
	records := c.latencies[chainID]
	if windowSize > 0 && len(records) > windowSize {
		records = records[len(records)-windowSize:]
	}
	if len(records) == 0 {
		return stats
	}

	durations := make([]time.Duration, len(records))
	var total time.Duration
	for i, r := range records {
		durations[i] = r.Duration
		total += r.Duration
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	stats.SampleCount = n
	stats.Average = total / time.Duration(n)
	stats.Min = durations[0]
	stats.Max = durations[n-1]
	if n%2 == 0 {
		stats.Median = (durations[n/2-1] + durations[n/2]) / 2
	} else {
		stats.Median = durations[n/2]
	}
	stats.P95 = durations[percentileIndex(n, 0.95)]
	stats.P99 = durations[percentileIndex(n, 0.99)]
	return stats
}

func percentileIndex(n int, p float64) int {
	idx := int(float64(n) * p)
	if idx >= n {
		idx = n - 1
	}
	return idx
}
