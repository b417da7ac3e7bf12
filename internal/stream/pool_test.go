package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"marketgate/internal/clock"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeConn struct {
	mu         sync.Mutex
	writes     int
	failWrites bool
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("write failed")
	}
	c.writes++
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *fakeConn) Ping() error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	failURLs map[string]bool
	dials    map[string]int
	latest   map[string]*fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		failURLs: make(map[string]bool),
		dials:    make(map[string]int),
		latest:   make(map[string]*fakeConn),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[url]++
	if d.failURLs[url] {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.latest[url] = c
	return c, nil
}

func (d *fakeDialer) conn(url string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest[url]
}

func testPoolConfig() Config {
	cfg := DefaultConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 2
	cfg.ConnectTimeout = time.Second
	cfg.HealthCheckInterval = time.Hour // keep the ping loop out of tests
	cfg.Reconnect.Mode = "immediate"
	cfg.Reconnect.MaxAttempts = 2
	cfg.SubscribesPerSecond = 1000
	cfg.SubscribeBurst = 1000
	return cfg
}

func newTestPool(t *testing.T, cfg Config, sources ...string) (*Pool, *fakeDialer, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC))
	dialer := newFakeDialer()
	p := NewPool(cfg, dialer, fake, testLogger())
	p.Start()
	t.Cleanup(p.Stop)

	for _, name := range sources {
		require.NoError(t, p.InitializePool(name, "ws://"+name))
	}
	return p, dialer, fake
}

func waitConnected(t *testing.T, p *Pool, sources int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.ConnectedSources() >= sources
	}, 2*time.Second, 5*time.Millisecond, "sources never connected")
}

func TestRoundRobinFairness(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Strategy = StrategyRoundRobin
	p, _, _ := newTestPool(t, cfg, "a", "b", "c")
	waitConnected(t, p, 3)

	const k = 30
	for i := 0; i < k; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := p.SendMessage(ctx, "AAPL", map[string]string{"action": "subscribe"})
		cancel()
		require.NoError(t, err)
	}

	for _, m := range p.Metrics() {
		assert.Equal(t, int64(k/3), m.TotalSent, "source %s should get an even share", m.Source)
	}
}

func TestOpenBreakerExcludesSource(t *testing.T) {
	cfg := testPoolConfig()
	p, _, fake := newTestPool(t, cfg, "a", "b")
	waitConnected(t, p, 2)

	p.mu.RLock()
	spA := p.sources["a"]
	p.mu.RUnlock()
	for i := 0; i < cfg.BreakerThreshold; i++ {
		spA.breaker.RecordFailure()
	}
	require.True(t, spA.breaker.IsOpen())

	for i := 0; i < 10; i++ {
		_, source := p.GetConnection()
		assert.Equal(t, "b", source)
	}

	// After the cool-down the breaker closes by itself and a is selectable
	// again.
	fake.Advance(cfg.BreakerCooldown)
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		_, source := p.GetConnection()
		seen[source] = true
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}

func TestSendMessageNoSources(t *testing.T) {
	p, _, _ := newTestPool(t, testPoolConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := p.SendMessage(ctx, "AAPL", "subscribe")
	require.ErrorIs(t, err, ErrNoConnections)
}

func TestFailoverRetriesOnOtherSource(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Strategy = StrategyRoundRobin
	cfg.FailoverEnabled = true
	p, dialer, _ := newTestPool(t, cfg, "a", "b")
	waitConnected(t, p, 2)

	// Round robin dispatches the first request to a, whose transport is
	// broken; failover must complete it on b.
	dialer.conn("ws://a").failWrites = true

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.SendMessage(ctx, "AAPL", "subscribe"))

	var b PoolMetrics
	for _, m := range p.Metrics() {
		if m.Source == "b" {
			b = m
		}
	}
	assert.Equal(t, int64(1), b.TotalSent)
}

func TestAbandonedRequestIsNotDispatched(t *testing.T) {
	p, _, _ := newTestPool(t, testPoolConfig(), "a")
	waitConnected(t, p, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.SendMessage(ctx, "AAPL", "subscribe")
	require.ErrorIs(t, err, context.Canceled)
}

func TestDialFailureEventuallyFailsSlot(t *testing.T) {
	cfg := testPoolConfig()
	p, dialer, _ := newTestPool(t, cfg)
	dialer.failURLs["ws://dead"] = true
	require.NoError(t, p.InitializePool("dead", "ws://dead"))

	var failed bool
	deadline := time.After(2 * time.Second)
	for !failed {
		select {
		case ev := <-p.Events():
			if ev.Type == EventSourceFailed && ev.Source == "dead" {
				failed = true
			}
		case <-deadline:
			t.Fatal("never observed a source_failed event")
		}
	}

	// Initial dial plus MaxAttempts retries, then the slot stops.
	dialer.mu.Lock()
	dials := dialer.dials["ws://dead"]
	dialer.mu.Unlock()
	assert.Equal(t, cfg.Reconnect.MaxAttempts+1, dials)
}

func TestLeastConnectionsPrefersEmptierSource(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Strategy = StrategyLeastConnections
	cfg.MinConnections = 1
	p, _, _ := newTestPool(t, cfg, "a", "b")
	waitConnected(t, p, 2)

	// Grow a to two connections so b is the emptier source.
	p.mu.RLock()
	spA := p.sources["a"]
	p.mu.RUnlock()
	extra := &pooledConn{id: "extra", state: StateDisconnected}
	spA.mu.Lock()
	spA.conns = append(spA.conns, extra)
	spA.mu.Unlock()
	p.connect(spA, extra)
	require.Eventually(t, func() bool { return spA.connectedCount() == 2 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		_, source := p.GetConnection()
		assert.Equal(t, "b", source)
	}
}

func TestAdaptivePrefersHealthierSource(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Strategy = StrategyAdaptive
	p, _, _ := newTestPool(t, cfg, "slow", "fast")
	waitConnected(t, p, 2)

	p.mu.RLock()
	slow, fast := p.sources["slow"], p.sources["fast"]
	p.mu.RUnlock()

	slow.mu.Lock()
	slow.avgLatencyMs = 500
	slow.successRate = 0.5
	slow.totalSent = 10
	slow.mu.Unlock()

	fast.mu.Lock()
	fast.avgLatencyMs = 10
	fast.successRate = 1.0
	fast.totalSent = 10
	fast.mu.Unlock()

	for i := 0; i < 5; i++ {
		_, source := p.GetConnection()
		assert.Equal(t, "fast", source)
	}
}

func TestWeightedFavorsHealthierSource(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Strategy = StrategyWeighted
	p, _, _ := newTestPool(t, cfg, "good", "bad")
	waitConnected(t, p, 2)

	p.mu.RLock()
	good, bad := p.sources["good"], p.sources["bad"]
	p.mu.RUnlock()

	// weight = successRate * (latencyBase / latency): good scores 100, bad 1.
	good.mu.Lock()
	good.avgLatencyMs = 10
	good.successRate = 1.0
	good.totalSent = 10
	good.mu.Unlock()

	bad.mu.Lock()
	bad.avgLatencyMs = 500
	bad.successRate = 0.5
	bad.totalSent = 10
	bad.mu.Unlock()

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		_, source := p.GetConnection()
		require.NotEmpty(t, source)
		counts[source]++
	}

	// The draw is randomized, so assert proportions rather than an exact
	// split: at ~99:1 odds the healthy source dominates overwhelmingly.
	assert.Greater(t, counts["good"], counts["bad"])
	assert.GreaterOrEqual(t, counts["good"], 150, "weighted selection should strongly favor the healthier source (got %v)", counts)
}

func TestReconnectDelay(t *testing.T) {
	exp := ReconnectPolicy{
		Mode:            "exponential",
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
	}
	// Attempt 3 targets 4s, jittered ±25%.
	for i := 0; i < 20; i++ {
		d := reconnectDelay(exp, 3)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}

	// The cap applies before jitter, so the result never exceeds 125% of it.
	capped := reconnectDelay(exp, 20)
	assert.LessOrEqual(t, capped, time.Duration(float64(30*time.Second)*1.25))

	assert.Equal(t, 7*time.Second, reconnectDelay(ReconnectPolicy{Mode: "linear", FixedDelay: 7 * time.Second}, 5))
	assert.Equal(t, time.Duration(0), reconnectDelay(ReconnectPolicy{Mode: "immediate"}, 1))
}

func TestMetricsEMA(t *testing.T) {
	sp := &sourcePool{name: "s", successRate: 1.0}
	now := time.Now()

	sp.recordResult(100*time.Millisecond, true, now)
	assert.InDelta(t, 100, sp.avgLatencyMs, 0.5)
	assert.InDelta(t, 1.0, sp.successRate, 0.001)

	sp.recordResult(200*time.Millisecond, false, now)
	// New samples carry weight 0.2.
	assert.InDelta(t, 0.2*200+0.8*100, sp.avgLatencyMs, 0.5)
	assert.InDelta(t, 0.8, sp.successRate, 0.001)
	assert.Equal(t, int64(2), sp.totalSent)
	assert.Equal(t, int64(1), sp.totalFailed)
}

func TestLoadBalancerMetricsShape(t *testing.T) {
	p, _, _ := newTestPool(t, testPoolConfig(), "a")
	waitConnected(t, p, 1)

	lb := p.LoadBalancerMetrics()
	assert.Equal(t, StrategyRoundRobin, lb["strategy"])
	sources, ok := lb["sources"].([]PoolMetrics)
	require.True(t, ok)
	require.Len(t, sources, 1)
	assert.Equal(t, "a", sources[0].Source)
	assert.Equal(t, 1, sources[0].ActiveConnections)
}
