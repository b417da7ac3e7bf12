package fallback

import (
	"context"
	"sync"
	"time"

	"marketgate/internal/clock"
	"marketgate/internal/metrics"
	"marketgate/internal/models"
	"marketgate/internal/stream"

	"github.com/sirupsen/logrus"
)

// StrategyState is the active data-access strategy.
type StrategyState string

const (
	StateStream  StrategyState = "STREAM"
	StatePolling StrategyState = "POLLING"
	StateRest    StrategyState = "REST"
	StateCached  StrategyState = "CACHED"
	StateOffline StrategyState = "OFFLINE"
)

var allStates = []string{
	string(StateStream), string(StatePolling), string(StateRest),
	string(StateCached), string(StateOffline),
}

// Config tunes the health thresholds and which degraded strategies are
// available.
type Config struct {
	StalenessThreshold  time.Duration
	HardStaleness       time.Duration
	PollingEnabled      bool
	PollInterval        time.Duration
	RestEnabled         bool
	OfflineEnabled      bool
	PromotionGrace      time.Duration
	RestRetention       time.Duration
	APIBreakerThreshold int
	APIBreakerCooldown  time.Duration
	CheckInterval       time.Duration
}

func DefaultConfig() Config {
	return Config{
		StalenessThreshold:  60 * time.Second,
		HardStaleness:       120 * time.Second,
		PollingEnabled:      true,
		PollInterval:        15 * time.Second,
		RestEnabled:         true,
		OfflineEnabled:      true,
		PromotionGrace:      5 * time.Second,
		RestRetention:       30 * time.Second,
		APIBreakerThreshold: 5,
		APIBreakerCooldown:  60 * time.Second,
		CheckInterval:       5 * time.Second,
	}
}

// DataFetcher is the REST path used when streaming degrades. The unified
// service satisfies it.
type DataFetcher interface {
	GetPrice(ctx context.Context, symbol string, useCache bool) (*models.PriceQuote, error)
}

// CacheReader answers live (non-expired) cache lookups.
type CacheReader interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration)
}

// ConnectivityProbe reports how many streaming sources are currently
// connected. The connection pool satisfies it.
type ConnectivityProbe interface {
	ConnectedSources() int
}

// Manager is the multi-tier fallback state machine. It watches stream
// health and data freshness, demoting to POLLING, REST, CACHED or OFFLINE
// and promoting back to STREAM only after connectivity returns and holds
// through a grace window.
type Manager struct {
	cfg     Config
	fetcher DataFetcher
	cache   CacheReader
	probe   ConnectivityProbe
	clock   clock.Clock
	logger  *logrus.Logger

	mu           sync.RWMutex
	state        StrategyState
	lastStream   map[string]streamSample // most recent data per symbol, possibly stale
	lastDataAt   time.Time
	restoredAt   time.Time // zero unless a promotion grace window is running
	transitions  int64
	enteredState time.Time

	apiBreakers map[string]*stream.Breaker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type streamSample struct {
	quote models.StreamQuote
	at    time.Time
}

func NewManager(
	cfg Config,
	fetcher DataFetcher,
	cache CacheReader,
	probe ConnectivityProbe,
	clk clock.Clock,
	logger *logrus.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:          cfg,
		fetcher:      fetcher,
		cache:        cache,
		probe:        probe,
		clock:        clk,
		logger:       logger,
		state:        StateStream,
		lastStream:   make(map[string]streamSample),
		apiBreakers:  make(map[string]*stream.Breaker),
		enteredState: clk.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
	metrics.SetFallbackStrategy(string(StateStream), allStates)
	return m
}

// Start launches the periodic health evaluation and the polling loop.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.evalLoop()
	go m.pollLoop()
}

func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// RecordStreamData ingests one streaming quote, refreshing the freshness
// clock the health evaluation runs against.
func (m *Manager) RecordStreamData(q models.StreamQuote) {
	now := m.clock.Now()
	m.mu.Lock()
	m.lastStream[q.Symbol] = streamSample{quote: q, at: now}
	m.lastDataAt = now
	m.mu.Unlock()
}

// ObservePoolEvent feeds pool lifecycle events into the state machine. A
// connected event arms the promotion grace window; failures trigger an
// immediate re-evaluation.
func (m *Manager) ObservePoolEvent(ev stream.Event) {
	switch ev.Type {
	case stream.EventConnected:
		m.mu.Lock()
		if m.state != StateStream && m.restoredAt.IsZero() {
			m.restoredAt = m.clock.Now()
			m.logger.WithField("source", ev.Source).Info("Connectivity restored, starting promotion grace")
		}
		m.mu.Unlock()
	case stream.EventDisconnected, stream.EventSourceFailed:
		m.evaluate()
	}
}

// streamHealthy reports whether live streaming is trustworthy: at least
// one connected source and data younger than the staleness threshold. The
// hard staleness bound demotes even when a connection is nominally open.
func (m *Manager) streamHealthy(now time.Time) bool {
	if m.probe.ConnectedSources() == 0 {
		return false
	}
	m.mu.RLock()
	last := m.lastDataAt
	m.mu.RUnlock()
	if last.IsZero() {
		// No data yet after startup; trust the connection until the
		// staleness window has fully elapsed.
		return true
	}
	age := now.Sub(last)
	if age > m.cfg.HardStaleness {
		return false
	}
	return age <= m.cfg.StalenessThreshold
}

func (m *Manager) evalLoop() {
	defer m.wg.Done()
	interval := m.cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.evaluate()
		}
	}
}

// evaluate runs one health check and performs at most one transition.
func (m *Manager) evaluate() {
	now := m.clock.Now()
	healthy := m.streamHealthy(now)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == StateStream && !healthy:
		m.transitionLocked(m.pickFallbackLocked(), now)

	case m.state != StateStream && healthy:
		// Promote only after the grace window confirms the recovery.
		if m.restoredAt.IsZero() {
			m.restoredAt = now
			return
		}
		if now.Sub(m.restoredAt) >= m.cfg.PromotionGrace {
			m.restoredAt = time.Time{}
			m.transitionLocked(StateStream, now)
		}

	case m.state != StateStream && !healthy:
		// A half-open grace window is voided by renewed unhealthiness.
		m.restoredAt = time.Time{}
		// The degraded tier itself may need to shift, e.g. POLLING loses
		// its last usable REST API.
		if next := m.pickFallbackLocked(); next != m.state {
			m.transitionLocked(next, now)
		}
	}
}

// pickFallbackLocked chooses the degraded strategy: the first enabled and
// available option of POLLING, REST, OFFLINE, else CACHED.
func (m *Manager) pickFallbackLocked() StrategyState {
	if m.cfg.PollingEnabled && m.anyAPIAvailableLocked() {
		return StatePolling
	}
	if m.cfg.RestEnabled && m.anyAPIAvailableLocked() {
		return StateRest
	}
	if m.cfg.OfflineEnabled {
		return StateOffline
	}
	return StateCached
}

func (m *Manager) anyAPIAvailableLocked() bool {
	if len(m.apiBreakers) == 0 {
		return true
	}
	for _, b := range m.apiBreakers {
		if !b.IsOpen() {
			return true
		}
	}
	return false
}

func (m *Manager) transitionLocked(to StrategyState, now time.Time) {
	if to == m.state {
		return
	}
	from := m.state
	m.state = to
	m.enteredState = now
	m.transitions++

	metrics.SetFallbackStrategy(string(to), allStates)
	metrics.FallbackTransitions.WithLabelValues(string(from), string(to)).Inc()
	m.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Warn("⚠️ Fallback strategy changed")
}

// pollLoop refreshes the active subscription set through the REST chain
// while the POLLING strategy is active.
func (m *Manager) pollLoop() {
	defer m.wg.Done()
	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.CurrentState() != StatePolling {
				continue
			}
			for _, sym := range m.trackedSymbols() {
				if _, err := m.restFetch(m.ctx, sym); err != nil {
					m.logger.WithError(err).WithField("symbol", sym).Debug("Poll fetch failed")
				}
			}
		}
	}
}

func (m *Manager) trackedSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.lastStream))
	for sym := range m.lastStream {
		out = append(out, sym)
	}
	return out
}

// apiBreaker returns the per-API breaker, creating it on first use.
func (m *Manager) apiBreaker(name string) *stream.Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.apiBreakers[name]
	if !ok {
		b = stream.NewBreaker(m.cfg.APIBreakerThreshold, m.cfg.APIBreakerCooldown, m.clock)
		m.apiBreakers[name] = b
	}
	return b
}

// restFetch pulls one symbol through the provider chain, tracking the REST
// breaker and caching the result with the bounded retention window.
func (m *Manager) restFetch(ctx context.Context, symbol string) (*models.PriceQuote, error) {
	b := m.apiBreaker("rest")
	if b.IsOpen() {
		return nil, stream.ErrNoConnections
	}

	q, err := m.fetcher.GetPrice(ctx, symbol, false)
	if err != nil {
		b.RecordFailure()
		return nil, err
	}
	b.RecordSuccess()
	m.cache.Set("price:"+symbol, *q, m.cfg.RestRetention)
	return q, nil
}

// GetDataWithFallback serves symbol through the first tier that has
// usable data: fresh stream, live cache, REST fetch, then the most recent
// stale sample. Returns nil only when every tier is empty.
func (m *Manager) GetDataWithFallback(ctx context.Context, symbol string) *models.PriceQuote {
	now := m.clock.Now()

	m.mu.RLock()
	sample, haveSample := m.lastStream[symbol]
	m.mu.RUnlock()

	if haveSample && now.Sub(sample.at) <= m.cfg.StalenessThreshold {
		return sample.quote.ToPriceQuote()
	}

	if v, ok := m.cache.Get("price:" + symbol); ok {
		q := v.(models.PriceQuote)
		q.Cached = true
		return &q
	}

	if q, err := m.restFetch(ctx, symbol); err == nil {
		return q
	}

	if haveSample {
		q := sample.quote.ToPriceQuote()
		q.Cached = true
		return q
	}
	return nil
}

func (m *Manager) CurrentState() StrategyState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// State reports the machine plus its inputs for the status endpoint.
func (m *Manager) State() map[string]interface{} {
	now := m.clock.Now()

	m.mu.RLock()
	state := m.state
	entered := m.enteredState
	transitions := m.transitions
	last := m.lastDataAt
	tracked := len(m.lastStream)
	breakers := make(map[string]stream.BreakerSnapshot, len(m.apiBreakers))
	for name, b := range m.apiBreakers {
		breakers[name] = b.Snapshot()
	}
	m.mu.RUnlock()

	var dataAge interface{}
	if !last.IsZero() {
		dataAge = now.Sub(last).Seconds()
	}

	return map[string]interface{}{
		"state":             state,
		"entered_at":        entered,
		"transitions":       transitions,
		"connected_sources": m.probe.ConnectedSources(),
		"data_age_seconds":  dataAge,
		"tracked_symbols":   tracked,
		"api_breakers":      breakers,
	}
}
