package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketgate/internal/clock"
	"marketgate/internal/metrics"
	"marketgate/internal/provider"

	"github.com/sirupsen/logrus"
)

const (
	windowSize = 60 * time.Second

	// AlertThresholdPercent flags a provider on the quota status surface.
	AlertThresholdPercent = 80.0
)

// Usage is a read-only snapshot of one provider's consumption.
type Usage struct {
	Provider       string    `json:"provider"`
	Today          int       `json:"today"`
	LastMinute     int       `json:"last_minute"`
	DailyLimit     int       `json:"daily_limit"`
	PerMinuteLimit int       `json:"per_minute_limit"`
	QuotaRemaining int       `json:"quota_remaining"`
	UsagePercent   float64   `json:"usage_percent"`
	LastCall       time.Time `json:"last_call"`
}

// providerUsage is mutated only under its own mutex so concurrent callers
// can never overshoot the quota ceiling.
type providerUsage struct {
	mu     sync.Mutex
	cfg    provider.Config
	dayKey string
	daily  int
	window []time.Time
	last   time.Time
}

// Tracker tracks per-provider daily and per-minute call counts and ranks
// providers by remaining budget. It never returns errors; an empty selection
// means "no route available".
type Tracker struct {
	clock  clock.Clock
	logger *logrus.Logger

	mu        sync.RWMutex
	providers map[string]*providerUsage
}

func NewTracker(clk clock.Clock, logger *logrus.Logger) *Tracker {
	return &Tracker{
		clock:     clk,
		logger:    logger,
		providers: make(map[string]*providerUsage),
	}
}

// Register installs usage tracking for one provider config.
func (t *Tracker) Register(cfg provider.Config) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.providers[cfg.Name]; exists {
		return
	}
	t.providers[cfg.Name] = &providerUsage{
		cfg:    cfg,
		dayKey: t.clock.Now().UTC().Format("2006-01-02"),
	}
}

func (t *Tracker) usage(name string) *providerUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.providers[name]
}

// rollLocked resets the daily counter across UTC midnight and prunes the
// sliding window. Caller holds u.mu.
func (u *providerUsage) rollLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != u.dayKey {
		u.dayKey = day
		u.daily = 0
	}

	cutoff := now.Add(-windowSize)
	keep := u.window[:0]
	for _, ts := range u.window {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	u.window = keep
}

// RecordCall atomically increments the daily counter and appends the call to
// the per-minute window. Unknown providers are ignored.
func (t *Tracker) RecordCall(name, endpoint string) {
	u := t.usage(name)
	if u == nil {
		return
	}

	now := t.clock.Now()

	u.mu.Lock()
	u.rollLocked(now)
	u.daily++
	u.window = append(u.window, now)
	u.last = now
	daily, minute := u.daily, len(u.window)
	cfg := u.cfg
	u.mu.Unlock()

	metrics.QuotaUsagePercent.WithLabelValues(name).Set(usagePercent(daily, minute, cfg.Limits))

	t.logger.WithFields(logrus.Fields{
		"provider": name,
		"endpoint": endpoint,
		"today":    daily,
		"minute":   minute,
	}).Debug("Recorded provider call")
}

// CanUseProvider reports whether another call is admissible right now.
func (t *Tracker) CanUseProvider(name string) bool {
	u := t.usage(name)
	if u == nil {
		return false
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.rollLocked(t.clock.Now())

	if u.cfg.Limits.PerMinute > 0 && len(u.window) >= u.cfg.Limits.PerMinute {
		return false
	}
	if u.cfg.Limits.Daily > 0 && u.daily >= u.cfg.Limits.Daily {
		return false
	}
	return true
}

// Usage returns a read-only snapshot for one provider.
func (t *Tracker) Usage(name string) Usage {
	u := t.usage(name)
	if u == nil {
		return Usage{Provider: name}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.rollLocked(t.clock.Now())

	remaining := -1 // unlimited
	if u.cfg.Limits.Daily > 0 {
		remaining = u.cfg.Limits.Daily - u.daily
		if remaining < 0 {
			remaining = 0
		}
	}

	return Usage{
		Provider:       name,
		Today:          u.daily,
		LastMinute:     len(u.window),
		DailyLimit:     u.cfg.Limits.Daily,
		PerMinuteLimit: u.cfg.Limits.PerMinute,
		QuotaRemaining: remaining,
		UsagePercent:   usagePercent(u.daily, len(u.window), u.cfg.Limits),
		LastCall:       u.last,
	}
}

// SelectBestProvider walks candidates ascending by priority and returns the
// first admissible one. When every candidate is over budget it returns the
// least-used candidate instead of failing outright; callers still handle
// provider-level errors. candidates == nil means all providers registered
// for the data type. Returns "" when no provider serves the data type.
func (t *Tracker) SelectBestProvider(dt provider.DataType, candidates []string) string {
	configs := t.candidateConfigs(dt, candidates)
	if len(configs) == 0 {
		return ""
	}

	for _, cfg := range configs {
		if t.CanUseProvider(cfg.Name) {
			return cfg.Name
		}
	}

	// Degraded choice: everything is over budget, pick the least-bad one.
	best := configs[0].Name
	bestPct := t.Usage(best).UsagePercent
	for _, cfg := range configs[1:] {
		if pct := t.Usage(cfg.Name).UsagePercent; pct < bestPct {
			best, bestPct = cfg.Name, pct
		}
	}
	return best
}

func (t *Tracker) candidateConfigs(dt provider.DataType, candidates []string) []provider.Config {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []provider.Config
	if candidates != nil {
		for _, name := range candidates {
			if u, ok := t.providers[name]; ok && u.cfg.CanHandle(dt) {
				out = append(out, u.cfg)
			}
		}
	} else {
		for _, u := range t.providers {
			if u.cfg.CanHandle(dt) {
				out = append(out, u.cfg)
			}
		}
	}

	// Ascending priority, name as tiebreak so selection is deterministic.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Snapshot returns usage for every registered provider.
func (t *Tracker) Snapshot() map[string]Usage {
	t.mu.RLock()
	names := make([]string, 0, len(t.providers))
	for name := range t.providers {
		names = append(names, name)
	}
	t.mu.RUnlock()

	out := make(map[string]Usage, len(names))
	for _, name := range names {
		out[name] = t.Usage(name)
	}
	return out
}

// Alerts lists providers whose usage exceeds the alert threshold.
func (t *Tracker) Alerts() []string {
	var alerts []string
	for name, u := range t.Snapshot() {
		if u.UsagePercent > AlertThresholdPercent {
			alerts = append(alerts, name)
		}
	}
	return alerts
}

// StartPruning trims sliding windows in the background so idle providers do
// not hold a minute of stale timestamps.
func (t *Tracker) StartPruning(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := t.clock.Now()
				t.mu.RLock()
				for _, u := range t.providers {
					u.mu.Lock()
					u.rollLocked(now)
					u.mu.Unlock()
				}
				t.mu.RUnlock()
			}
		}
	}()
}

func usagePercent(daily, minute int, limits provider.QuotaLimits) float64 {
	pct := 0.0
	if limits.Daily > 0 {
		pct = float64(daily) / float64(limits.Daily) * 100
	}
	if limits.PerMinute > 0 {
		if p := float64(minute) / float64(limits.PerMinute) * 100; p > pct {
			pct = p
		}
	}
	return pct
}
