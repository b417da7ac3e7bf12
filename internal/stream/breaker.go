package stream

import (
	"sync"
	"time"

	"marketgate/internal/clock"
)

// Breaker is a failure-count circuit breaker with a time-based reset. It
// opens after threshold consecutive failures and closes again once cooldown
// has elapsed, whether or not new traffic arrived in between.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	clock     clock.Clock

	mu          sync.Mutex
	failures    int
	open        bool
	openedAt    time.Time
	lastFailure time.Time
}

// BreakerSnapshot is a point-in-time view for status endpoints.
type BreakerSnapshot struct {
	Open        bool      `json:"open"`
	Failures    int       `json:"failures"`
	OpenedAt    time.Time `json:"opened_at,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

func NewBreaker(threshold int, cooldown time.Duration, clk clock.Clock) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clk,
	}
}

// RecordFailure counts one failure and opens the breaker at the threshold.
// Returns true when this call tripped it open.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.lastFailure = now
	b.failures++
	if !b.open && b.failures >= b.threshold {
		b.open = true
		b.openedAt = now
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

// IsOpen reports the breaker state, closing it automatically once the
// cooldown has passed since it opened.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isOpenLocked()
}

func (b *Breaker) isOpenLocked() bool {
	if !b.open {
		return false
	}
	if b.clock.Now().Sub(b.openedAt) >= b.cooldown {
		b.open = false
		b.failures = 0
		return false
	}
	return true
}

// Snapshot applies the same cooldown check as IsOpen so status surfaces
// never disagree with selection.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isOpenLocked()
	return BreakerSnapshot{
		Open:        b.open,
		Failures:    b.failures,
		OpenedAt:    b.openedAt,
		LastFailure: b.lastFailure,
	}
}
