package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Provider call metrics
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketgate_provider_requests_total",
			Help: "Total external provider calls by data type",
		},
		[]string{"provider", "data_type"},
	)

	ProviderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketgate_provider_failures_total",
			Help: "Total failed provider calls by error type",
		},
		[]string{"provider", "error_type"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketgate_provider_latency_ms",
			Help:    "Provider call latency in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"provider"},
	)

	// Quota metrics
	QuotaUsagePercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketgate_quota_usage_percent",
			Help: "Worst-dimension quota usage per provider (0-100)",
		},
		[]string{"provider"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketgate_cache_hits_total",
			Help: "Total cache hits by tier",
		},
		[]string{"tier"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketgate_cache_misses_total",
			Help: "Total cache misses by tier",
		},
		[]string{"tier"},
	)

	CacheHitRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketgate_cache_hit_ratio",
			Help: "Cache hit ratio by tier (0-1)",
		},
		[]string{"tier"},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketgate_cache_evictions_total",
			Help: "Total entries evicted for capacity",
		},
	)

	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketgate_cache_bytes",
			Help: "Estimated bytes held by the memory cache",
		},
	)

	// Streaming pool metrics
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketgate_pool_connections",
			Help: "Open streaming connections per source",
		},
		[]string{"source"},
	)

	PoolMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketgate_pool_messages_total",
			Help: "Messages dispatched per source and outcome",
		},
		[]string{"source", "outcome"},
	)

	StreamMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketgate_stream_messages_total",
			Help: "Inbound streaming messages per source",
		},
		[]string{"source"},
	)

	CircuitBreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketgate_circuit_breaker_open",
			Help: "1 when the source circuit breaker is open",
		},
		[]string{"source"},
	)

	// Fallback metrics
	FallbackStrategy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketgate_fallback_strategy",
			Help: "1 for the currently active fallback strategy",
		},
		[]string{"strategy"},
	)

	FallbackTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketgate_fallback_transitions_total",
			Help: "Strategy transitions by from/to state",
		},
		[]string{"from", "to"},
	)

	// Publishing metrics
	PublishSuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketgate_publish_success_total",
			Help: "Total successful Redis publishes",
		},
		[]string{"channel_type"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketgate_publish_failures_total",
			Help: "Total failed Redis publishes",
		},
		[]string{"channel_type"},
	)
)

// RateTracker tracks rate per second for dynamic metrics
type RateTracker struct {
	count       int64
	lastCount   int64
	lastUpdated time.Time
	mu          sync.Mutex
}

func NewRateTracker() *RateTracker {
	return &RateTracker{lastUpdated: time.Now()}
}

func (rt *RateTracker) Increment() {
	atomic.AddInt64(&rt.count, 1)
}

func (rt *RateTracker) GetRate() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rt.lastUpdated).Seconds()
	if elapsed < 1.0 {
		return 0
	}

	current := atomic.LoadInt64(&rt.count)
	rate := float64(current-rt.lastCount) / elapsed

	rt.lastCount = current
	rt.lastUpdated = now

	return rate
}

var streamUpdatesTracker = NewRateTracker()

// TrackStreamMessage records one inbound streaming message.
func TrackStreamMessage(source string) {
	StreamMessages.WithLabelValues(source).Inc()
	streamUpdatesTracker.Increment()
}

// GetStreamMessagesPerSecond returns current inbound stream messages/sec.
func GetStreamMessagesPerSecond() float64 {
	return streamUpdatesTracker.GetRate()
}

// RecordCacheAccess records a cache hit or miss and refreshes the ratio gauge.
func RecordCacheAccess(tier string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(tier).Inc()
	} else {
		CacheMisses.WithLabelValues(tier).Inc()
	}
	updateCacheHitRatio(tier)
}

// updateCacheHitRatio reads the counters back for a real-time approximation.
// Accurate ratios belong in PromQL; this feeds the status endpoint.
func updateCacheHitRatio(tier string) {
	hits, _ := CacheHits.GetMetricWithLabelValues(tier)
	misses, _ := CacheMisses.GetMetricWithLabelValues(tier)
	if hits == nil || misses == nil {
		return
	}

	hitsMetric := &dto.Metric{}
	missesMetric := &dto.Metric{}
	if hits.Write(hitsMetric) != nil || misses.Write(missesMetric) != nil {
		return
	}

	hitsVal := hitsMetric.Counter.GetValue()
	total := hitsVal + missesMetric.Counter.GetValue()
	if total > 0 {
		CacheHitRatio.WithLabelValues(tier).Set(hitsVal / total)
	}
}

// SetFallbackStrategy flips the strategy gauge so exactly one state is 1.
func SetFallbackStrategy(active string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == active {
			v = 1.0
		}
		FallbackStrategy.WithLabelValues(s).Set(v)
	}
}

// TrackLatency is a helper to measure and record latency
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	histogram.Observe(float64(time.Since(start).Milliseconds()))
}
