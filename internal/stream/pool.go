package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"marketgate/internal/clock"
	"marketgate/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrNoConnections is returned when no source has both an open connection
// and a closed circuit breaker.
var ErrNoConnections = errors.New("no available connections")

// ConnState is the lifecycle state of one pooled connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Strategy selects which source serves the next outbound message.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyWeighted         Strategy = "weighted"
	StrategyAdaptive         Strategy = "adaptive"
)

// StrategyWeights tunes the weighted and adaptive scoring terms.
type StrategyWeights struct {
	SuccessWeight     float64 `yaml:"success_weight"`
	UtilizationWeight float64 `yaml:"utilization_weight"`
	LatencyBase       float64 `yaml:"latency_base"`
}

func DefaultStrategyWeights() StrategyWeights {
	return StrategyWeights{
		SuccessWeight:     100,
		UtilizationWeight: 50,
		LatencyBase:       1000,
	}
}

// ReconnectPolicy controls backoff after an unclean close.
type ReconnectPolicy struct {
	Mode            string        `yaml:"mode"` // exponential, linear, immediate
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	ExponentialBase float64       `yaml:"exponential_base"`
	MaxAttempts     int           `yaml:"max_attempts"`
	FixedDelay      time.Duration `yaml:"fixed_delay"`
}

// Config configures the connection pool.
type Config struct {
	MinConnections      int
	MaxConnections      int
	ConnectTimeout      time.Duration
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	Strategy            Strategy
	Weights             StrategyWeights
	FailoverEnabled     bool
	Reconnect           ReconnectPolicy
	HealthCheckInterval time.Duration
	QueueSize           int
	SubscribesPerSecond float64
	SubscribeBurst      int
}

func DefaultConfig() Config {
	return Config{
		MinConnections:   1,
		MaxConnections:   3,
		ConnectTimeout:   10 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Second,
		Strategy:         StrategyRoundRobin,
		Weights:          DefaultStrategyWeights(),
		FailoverEnabled:  true,
		Reconnect: ReconnectPolicy{
			Mode:            "exponential",
			BaseDelay:       time.Second,
			MaxDelay:        30 * time.Second,
			ExponentialBase: 2,
			MaxAttempts:     10,
			FixedDelay:      5 * time.Second,
		},
		HealthCheckInterval: 30 * time.Second,
		QueueSize:           256,
		SubscribesPerSecond: 10,
		SubscribeBurst:      20,
	}
}

// Conn is the transport a pooled connection talks through. gorilla/websocket
// satisfies it via wsConn; tests substitute their own.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, data []byte, err error)
	Ping() error
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsConn struct {
	*websocket.Conn
}

func (c *wsConn) Ping() error {
	return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// WebsocketDialer dials real websocket upstreams.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{Conn: c}, nil
}

// EventType identifies pool lifecycle events observed by the fallback layer.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnecting EventType = "reconnecting"
	EventSourceFailed EventType = "source_failed"
)

type Event struct {
	Type   EventType `json:"type"`
	Source string    `json:"source"`
	ConnID string    `json:"conn_id"`
	Time   time.Time `json:"time"`
}

// pooledConn is one connection slot within a source pool.
type pooledConn struct {
	id string

	mu       sync.Mutex
	state    ConnState
	conn     Conn
	attempts int
	lastUsed time.Time
}

func (pc *pooledConn) getState() ConnState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

func (pc *pooledConn) setState(s ConnState) {
	pc.mu.Lock()
	pc.state = s
	pc.mu.Unlock()
}

func (pc *pooledConn) lastUsedAt() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastUsed
}

// takeConn atomically returns the live transport when CONNECTED, marking
// last use. The drain loop owns all writes so no write lock is held here.
func (pc *pooledConn) takeConn(now time.Time) Conn {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.state != StateConnected || pc.conn == nil {
		return nil
	}
	pc.lastUsed = now
	return pc.conn
}

const emaWeight = 0.2

// sourcePool holds the connections, breaker, limiter and rolling metrics
// for one upstream streaming source.
type sourcePool struct {
	name    string
	url     string
	breaker *Breaker
	limiter *rate.Limiter

	mu           sync.RWMutex
	conns        []*pooledConn
	avgLatencyMs float64
	successRate  float64
	totalSent    int64
	totalFailed  int64
	lastUsed     time.Time
}

func (sp *sourcePool) connectedCount() int {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	n := 0
	for _, pc := range sp.conns {
		if pc.getState() == StateConnected {
			n++
		}
	}
	return n
}

// recordResult folds one dispatch outcome into the rolling EMAs.
func (sp *sourcePool) recordResult(latency time.Duration, ok bool, now time.Time) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	ms := float64(latency.Microseconds()) / 1000.0
	if sp.totalSent == 0 {
		sp.avgLatencyMs = ms
	} else {
		sp.avgLatencyMs = emaWeight*ms + (1-emaWeight)*sp.avgLatencyMs
	}

	sample := 0.0
	if ok {
		sample = 1.0
	}
	if sp.totalSent == 0 {
		sp.successRate = sample
	} else {
		sp.successRate = emaWeight*sample + (1-emaWeight)*sp.successRate
	}

	sp.totalSent++
	if !ok {
		sp.totalFailed++
	}
	sp.lastUsed = now
}

// PoolMetrics is the observable per-source snapshot.
type PoolMetrics struct {
	Source            string    `json:"source"`
	ActiveConnections int       `json:"active_connections"`
	MaxConnections    int       `json:"max_connections"`
	AvgLatencyMs      float64   `json:"avg_latency_ms"`
	SuccessRate       float64   `json:"success_rate"`
	TotalSent         int64     `json:"total_sent"`
	TotalFailed       int64     `json:"total_failed"`
	LastUsed          time.Time `json:"last_used"`
	BreakerOpen       bool      `json:"breaker_open"`
}

type request struct {
	id      string
	symbol  string
	payload interface{}
	ctx     context.Context
	done    chan error
}

// Pool manages the per-source connection pools and dispatches outbound
// messages through a single ordered drain loop.
type Pool struct {
	cfg    Config
	dialer Dialer
	clock  clock.Clock
	logger *logrus.Logger

	onMessage func(source string, data []byte)

	mu      sync.RWMutex
	sources map[string]*sourcePool
	order   []string
	rrIndex int

	queue  chan *request
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(cfg Config, dialer Dialer, clk clock.Clock, logger *logrus.Logger) *Pool {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MinConnections <= 0 {
		cfg.MinConnections = 1
	}
	if cfg.MaxConnections < cfg.MinConnections {
		cfg.MaxConnections = cfg.MinConnections
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		dialer:  dialer,
		clock:   clk,
		logger:  logger,
		sources: make(map[string]*sourcePool),
		queue:   make(chan *request, cfg.QueueSize),
		events:  make(chan Event, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnMessage registers the inbound data callback. Must be set before Start.
func (p *Pool) OnMessage(fn func(source string, data []byte)) {
	p.onMessage = fn
}

// Events exposes pool lifecycle events. Emission never blocks; a slow
// consumer loses events rather than stalling the pool.
func (p *Pool) Events() <-chan Event {
	return p.events
}

func (p *Pool) emit(t EventType, source, connID string) {
	ev := Event{Type: t, Source: source, ConnID: connID, Time: p.clock.Now()}
	select {
	case p.events <- ev:
	default:
	}
}

// Start launches the drain and health loops.
func (p *Pool) Start() {
	p.wg.Add(2)
	go p.drainLoop()
	go p.healthLoop()
	p.logger.WithFields(logrus.Fields{
		"strategy":   p.cfg.Strategy,
		"queue_size": p.cfg.QueueSize,
	}).Info("🚀 Connection pool started")
}

// InitializePool registers a streaming source and eagerly opens
// MinConnections connections, each capped by MaxConnections.
func (p *Pool) InitializePool(name, url string) error {
	p.mu.Lock()
	if _, ok := p.sources[name]; ok {
		p.mu.Unlock()
		return fmt.Errorf("source %q already initialized", name)
	}

	sp := &sourcePool{
		name:        name,
		url:         url,
		breaker:     NewBreaker(p.cfg.BreakerThreshold, p.cfg.BreakerCooldown, p.clock),
		limiter:     rate.NewLimiter(rate.Limit(p.cfg.SubscribesPerSecond), p.cfg.SubscribeBurst),
		successRate: 1.0,
	}
	for i := 0; i < p.cfg.MinConnections && i < p.cfg.MaxConnections; i++ {
		sp.conns = append(sp.conns, &pooledConn{id: uuid.NewString(), state: StateDisconnected})
	}
	p.sources[name] = sp
	p.order = append(p.order, name)
	p.mu.Unlock()

	metrics.CircuitBreakerOpen.WithLabelValues(name).Set(0)
	metrics.PoolConnections.WithLabelValues(name).Set(0)

	for _, pc := range sp.conns {
		p.wg.Add(1)
		go func(pc *pooledConn) {
			defer p.wg.Done()
			p.connect(sp, pc)
		}(pc)
	}

	p.logger.WithFields(logrus.Fields{
		"source":          name,
		"min_connections": p.cfg.MinConnections,
		"max_connections": p.cfg.MaxConnections,
	}).Info("📡 Initialized streaming source")
	return nil
}

// connect dials one connection slot. Success resets the source breaker;
// failure counts against it and hands the slot to the reconnect scheduler.
func (p *Pool) connect(sp *sourcePool, pc *pooledConn) {
	if p.ctx.Err() != nil {
		return
	}
	pc.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.ConnectTimeout)
	conn, err := p.dialer.Dial(ctx, sp.url)
	cancel()

	if err != nil {
		if sp.breaker.RecordFailure() {
			metrics.CircuitBreakerOpen.WithLabelValues(sp.name).Set(1)
			p.logger.WithField("source", sp.name).Warn("⛔ Circuit breaker opened")
		}
		p.logger.WithError(err).WithFields(logrus.Fields{
			"source":  sp.name,
			"conn_id": pc.id,
		}).Warn("Connect failed")
		p.scheduleReconnect(sp, pc)
		return
	}

	sp.breaker.RecordSuccess()
	metrics.CircuitBreakerOpen.WithLabelValues(sp.name).Set(0)

	pc.mu.Lock()
	pc.conn = conn
	pc.state = StateConnected
	pc.attempts = 0
	pc.mu.Unlock()

	metrics.PoolConnections.WithLabelValues(sp.name).Set(float64(sp.connectedCount()))
	p.emit(EventConnected, sp.name, pc.id)
	p.logger.WithFields(logrus.Fields{
		"source":  sp.name,
		"conn_id": pc.id,
	}).Info("✅ Connected")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.readLoop(sp, pc, conn)
	}()
}

// readLoop pumps inbound frames to the message callback until the
// connection drops, then triggers reconnection.
func (p *Pool) readLoop(sp *sourcePool, pc *pooledConn, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if p.ctx.Err() != nil {
				return
			}
			p.logger.WithError(err).WithFields(logrus.Fields{
				"source":  sp.name,
				"conn_id": pc.id,
			}).Warn("Connection dropped")
			p.dropConn(sp, pc)
			return
		}
		metrics.TrackStreamMessage(sp.name)
		if p.onMessage != nil {
			p.onMessage(sp.name, data)
		}
	}
}

// dropConn transitions a broken connection out of CONNECTED and schedules
// its reconnect.
func (p *Pool) dropConn(sp *sourcePool, pc *pooledConn) {
	pc.mu.Lock()
	if pc.state != StateConnected {
		pc.mu.Unlock()
		return
	}
	pc.conn = nil
	pc.state = StateDisconnected
	pc.mu.Unlock()

	metrics.PoolConnections.WithLabelValues(sp.name).Set(float64(sp.connectedCount()))
	p.emit(EventDisconnected, sp.name, pc.id)
	p.scheduleReconnect(sp, pc)
}

// scheduleReconnect applies the reconnect policy. After MaxAttempts the
// slot is marked FAILED permanently and an event is emitted for the
// fallback layer; other slots and sources keep running.
func (p *Pool) scheduleReconnect(sp *sourcePool, pc *pooledConn) {
	pc.mu.Lock()
	pc.attempts++
	attempts := pc.attempts
	pc.mu.Unlock()

	if p.cfg.Reconnect.MaxAttempts > 0 && attempts > p.cfg.Reconnect.MaxAttempts {
		pc.setState(StateFailed)
		p.emit(EventSourceFailed, sp.name, pc.id)
		p.logger.WithFields(logrus.Fields{
			"source":   sp.name,
			"conn_id":  pc.id,
			"attempts": attempts - 1,
		}).Error("💀 Connection failed permanently")
		return
	}

	delay := reconnectDelay(p.cfg.Reconnect, attempts)
	pc.setState(StateReconnecting)
	p.emit(EventReconnecting, sp.name, pc.id)
	p.logger.WithFields(logrus.Fields{
		"source":  sp.name,
		"conn_id": pc.id,
		"attempt": attempts,
		"delay":   delay.String(),
	}).Info("🔄 Scheduling reconnect")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
		}
		p.connect(sp, pc)
	}()
}

// reconnectDelay computes the backoff for the given attempt (1-based).
// Exponential mode jitters the delay ±25% to decorrelate reconnect storms.
func reconnectDelay(policy ReconnectPolicy, attempt int) time.Duration {
	switch policy.Mode {
	case "immediate":
		return 0
	case "linear":
		if policy.FixedDelay > 0 {
			return policy.FixedDelay
		}
		return 5 * time.Second
	default:
		base := policy.BaseDelay
		if base <= 0 {
			base = time.Second
		}
		expBase := policy.ExponentialBase
		if expBase <= 1 {
			expBase = 2
		}
		d := float64(base) * math.Pow(expBase, float64(attempt-1))
		if max := float64(policy.MaxDelay); max > 0 && d > max {
			d = max
		}
		d *= 0.75 + rand.Float64()*0.5
		return time.Duration(d)
	}
}

// healthLoop pings every CONNECTED connection on an interval. A ping
// failure counts against the breaker like a send failure.
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *Pool) checkHealth() {
	p.mu.RLock()
	sources := make([]*sourcePool, 0, len(p.sources))
	for _, sp := range p.sources {
		sources = append(sources, sp)
	}
	p.mu.RUnlock()

	for _, sp := range sources {
		sp.mu.RLock()
		conns := append([]*pooledConn(nil), sp.conns...)
		sp.mu.RUnlock()

		for _, pc := range conns {
			conn := pc.takeConn(p.clock.Now())
			if conn == nil {
				continue
			}
			if err := conn.Ping(); err != nil {
				if sp.breaker.RecordFailure() {
					metrics.CircuitBreakerOpen.WithLabelValues(sp.name).Set(1)
				}
				p.logger.WithError(err).WithFields(logrus.Fields{
					"source":  sp.name,
					"conn_id": pc.id,
				}).Warn("Health check failed")
				conn.Close()
				p.dropConn(sp, pc)
			}
		}
	}
}

// candidates lists sources with at least one CONNECTED connection and a
// closed breaker, in registration order.
func (p *Pool) candidates(exclude string) []*sourcePool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*sourcePool, 0, len(p.order))
	for _, name := range p.order {
		if name == exclude {
			continue
		}
		sp := p.sources[name]
		if sp.breaker.IsOpen() {
			continue
		}
		if sp.connectedCount() == 0 {
			continue
		}
		out = append(out, sp)
	}
	return out
}

// selectSource applies the configured strategy over the candidate sources.
func (p *Pool) selectSource(exclude string) *sourcePool {
	cands := p.candidates(exclude)
	if len(cands) == 0 {
		return nil
	}
	if len(cands) == 1 {
		return cands[0]
	}

	switch p.cfg.Strategy {
	case StrategyLeastConnections:
		best := cands[0]
		bestN := best.connectedCount()
		for _, sp := range cands[1:] {
			if n := sp.connectedCount(); n < bestN {
				best, bestN = sp, n
			}
		}
		return best

	case StrategyWeighted:
		weights := make([]float64, len(cands))
		total := 0.0
		for i, sp := range cands {
			sp.mu.RLock()
			lat := sp.avgLatencyMs
			sr := sp.successRate
			sp.mu.RUnlock()
			w := sr * (p.cfg.Weights.LatencyBase / math.Max(lat, 1))
			if w <= 0 {
				w = 0.001
			}
			weights[i] = w
			total += w
		}
		r := rand.Float64() * total
		for i, w := range weights {
			r -= w
			if r <= 0 {
				return cands[i]
			}
		}
		return cands[len(cands)-1]

	case StrategyAdaptive:
		var best *sourcePool
		bestScore := math.Inf(-1)
		for _, sp := range cands {
			sp.mu.RLock()
			lat := sp.avgLatencyMs
			sr := sp.successRate
			sp.mu.RUnlock()
			utilization := float64(sp.connectedCount()) / float64(p.cfg.MaxConnections)
			score := p.cfg.Weights.LatencyBase/math.Max(lat, 1) +
				sr*p.cfg.Weights.SuccessWeight +
				(1-utilization)*p.cfg.Weights.UtilizationWeight
			if score > bestScore {
				best, bestScore = sp, score
			}
		}
		return best

	default: // round robin
		p.mu.Lock()
		idx := p.rrIndex % len(cands)
		p.rrIndex++
		p.mu.Unlock()
		return cands[idx]
	}
}

// pickConn returns the least recently used CONNECTED connection of sp.
func (p *Pool) pickConn(sp *sourcePool) (*pooledConn, Conn) {
	sp.mu.RLock()
	defer sp.mu.RUnlock()

	var best *pooledConn
	for _, pc := range sp.conns {
		if pc.getState() != StateConnected {
			continue
		}
		if best == nil || pc.lastUsedAt().Before(best.lastUsedAt()) {
			best = pc
		}
	}
	if best == nil {
		return nil, nil
	}
	conn := best.takeConn(p.clock.Now())
	if conn == nil {
		return nil, nil
	}
	return best, conn
}

// GetConnection resolves a connection via the configured strategy. Returns
// nil, "" when no source qualifies.
func (p *Pool) GetConnection() (Conn, string) {
	sp := p.selectSource("")
	if sp == nil {
		return nil, ""
	}
	_, conn := p.pickConn(sp)
	if conn == nil {
		return nil, ""
	}
	return conn, sp.name
}

// SendMessage enqueues one outbound message and waits for the drain loop
// to dispatch it. The request is abandoned if ctx expires while queued.
func (p *Pool) SendMessage(ctx context.Context, symbol string, payload interface{}) error {
	req := &request{
		id:      uuid.NewString(),
		symbol:  symbol,
		payload: payload,
		ctx:     ctx,
		done:    make(chan error, 1),
	}

	select {
	case p.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrNoConnections
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainLoop is the single ordered dispatcher: it pulls queued requests
// FIFO, resolves a connection and writes, preserving dispatch order.
func (p *Pool) drainLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case req := <-p.queue:
			p.dispatch(req)
		}
	}
}

func (p *Pool) dispatch(req *request) {
	if err := req.ctx.Err(); err != nil {
		req.done <- err
		return
	}

	sp := p.selectSource("")
	if sp == nil {
		req.done <- ErrNoConnections
		return
	}

	if err := sp.limiter.Wait(req.ctx); err != nil {
		req.done <- err
		return
	}

	err := p.writeTo(sp, req)
	if err == nil {
		req.done <- nil
		return
	}

	if p.cfg.FailoverEnabled {
		if alt := p.failoverSource(sp.name); alt != nil {
			p.logger.WithFields(logrus.Fields{
				"from":       sp.name,
				"to":         alt.name,
				"request_id": req.id,
			}).Info("🔀 Failing over request")
			if err2 := p.writeTo(alt, req); err2 == nil {
				req.done <- nil
				return
			}
		}
	}

	req.done <- fmt.Errorf("%w: %v", ErrNoConnections, err)
}

// writeTo dispatches req on one of sp's connections, folding the outcome
// into sp's metrics and breaker.
func (p *Pool) writeTo(sp *sourcePool, req *request) error {
	pc, conn := p.pickConn(sp)
	if conn == nil {
		return ErrNoConnections
	}

	start := time.Now()
	err := conn.WriteJSON(req.payload)
	latency := time.Since(start)
	sp.recordResult(latency, err == nil, p.clock.Now())

	if err == nil {
		sp.breaker.RecordSuccess()
		metrics.PoolMessages.WithLabelValues(sp.name, "ok").Inc()
		return nil
	}

	metrics.PoolMessages.WithLabelValues(sp.name, "error").Inc()
	if sp.breaker.RecordFailure() {
		metrics.CircuitBreakerOpen.WithLabelValues(sp.name).Set(1)
		p.logger.WithField("source", sp.name).Warn("⛔ Circuit breaker opened")
	}
	conn.Close()
	p.dropConn(sp, pc)
	return err
}

// failoverSource finds another non-open-breaker source, standing up a new
// connection there when none is currently CONNECTED.
func (p *Pool) failoverSource(exclude string) *sourcePool {
	if sp := p.selectSource(exclude); sp != nil {
		return sp
	}

	// No other source has a live connection. Try to open one on a source
	// whose breaker is closed.
	p.mu.RLock()
	var target *sourcePool
	for _, name := range p.order {
		if name == exclude {
			continue
		}
		sp := p.sources[name]
		if sp.breaker.IsOpen() {
			continue
		}
		target = sp
		break
	}
	p.mu.RUnlock()
	if target == nil {
		return nil
	}

	target.mu.Lock()
	var slot *pooledConn
	for _, pc := range target.conns {
		if s := pc.getState(); s == StateDisconnected || s == StateFailed {
			slot = pc
			break
		}
	}
	if slot == nil && len(target.conns) < p.cfg.MaxConnections {
		slot = &pooledConn{id: uuid.NewString(), state: StateDisconnected}
		target.conns = append(target.conns, slot)
	}
	target.mu.Unlock()
	if slot == nil {
		return nil
	}

	slot.mu.Lock()
	slot.attempts = 0
	slot.mu.Unlock()
	p.connect(target, slot)

	if target.connectedCount() == 0 {
		return nil
	}
	return target
}

// Metrics snapshots every source pool.
func (p *Pool) Metrics() []PoolMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PoolMetrics, 0, len(p.order))
	for _, name := range p.order {
		sp := p.sources[name]
		sp.mu.RLock()
		m := PoolMetrics{
			Source:         name,
			MaxConnections: p.cfg.MaxConnections,
			AvgLatencyMs:   sp.avgLatencyMs,
			SuccessRate:    sp.successRate,
			TotalSent:      sp.totalSent,
			TotalFailed:    sp.totalFailed,
			LastUsed:       sp.lastUsed,
		}
		sp.mu.RUnlock()
		m.ActiveConnections = sp.connectedCount()
		m.BreakerOpen = sp.breaker.IsOpen()
		out = append(out, m)
	}
	return out
}

// LoadBalancerMetrics reports the strategy plus per-source snapshots and
// breaker states.
func (p *Pool) LoadBalancerMetrics() map[string]interface{} {
	breakers := make(map[string]BreakerSnapshot)
	p.mu.RLock()
	for name, sp := range p.sources {
		breakers[name] = sp.breaker.Snapshot()
	}
	queued := len(p.queue)
	p.mu.RUnlock()

	return map[string]interface{}{
		"strategy":        p.cfg.Strategy,
		"weights":         p.cfg.Weights,
		"queued_requests": queued,
		"sources":         p.Metrics(),
		"breakers":        breakers,
	}
}

// ConnectedSources reports how many sources currently hold at least one
// CONNECTED connection.
func (p *Pool) ConnectedSources() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, sp := range p.sources {
		if sp.connectedCount() > 0 {
			n++
		}
	}
	return n
}

// Stop tears the pool down: loops exit, connections close, the events
// channel is closed after all goroutines drain.
func (p *Pool) Stop() {
	p.cancel()

	p.mu.RLock()
	for _, sp := range p.sources {
		sp.mu.RLock()
		for _, pc := range sp.conns {
			pc.mu.Lock()
			if pc.conn != nil {
				pc.conn.Close()
				pc.conn = nil
			}
			pc.state = StateDisconnected
			pc.mu.Unlock()
		}
		sp.mu.RUnlock()
	}
	p.mu.RUnlock()

	p.wg.Wait()
	close(p.events)
	p.logger.Info("🛑 Connection pool stopped")
}
