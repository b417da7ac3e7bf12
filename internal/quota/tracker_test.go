package quota

import (
	"io"
	"testing"
	"time"

	"marketgate/internal/clock"
	"marketgate/internal/provider"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTracker(t *testing.T, start time.Time, cfgs ...provider.Config) (*Tracker, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(start)
	tr := NewTracker(fake, testLogger())
	for _, cfg := range cfgs {
		tr.Register(cfg)
	}
	return tr, fake
}

func TestDailyCeiling(t *testing.T) {
	start := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	tr, fake := newTracker(t, start, provider.Config{
		Name:     "alphaVantage",
		Priority: 2,
		Capabilities: provider.Capabilities{
			RealtimePrice: true,
			Fundamentals:  true,
		},
		Limits: provider.QuotaLimits{Daily: 25},
	})

	for i := 0; i < 25; i++ {
		require.True(t, tr.CanUseProvider("alphaVantage"), "call %d should be admissible", i)
		tr.RecordCall("alphaVantage", "price")
		// Spread calls out so the sliding window never dominates.
		fake.Advance(2 * time.Minute)
	}

	assert.False(t, tr.CanUseProvider("alphaVantage"))
	assert.Equal(t, 0, tr.Usage("alphaVantage").QuotaRemaining)

	// Crossing UTC midnight resets the daily counter.
	fake.Set(time.Date(2025, 6, 3, 0, 0, 1, 0, time.UTC))
	assert.True(t, tr.CanUseProvider("alphaVantage"))
	assert.Equal(t, 0, tr.Usage("alphaVantage").Today)
}

func TestPerMinuteWindow(t *testing.T) {
	start := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	tr, fake := newTracker(t, start, provider.Config{
		Name:         "finnhub",
		Priority:     3,
		Capabilities: provider.Capabilities{RealtimePrice: true},
		Limits:       provider.QuotaLimits{PerMinute: 5},
	})

	for i := 0; i < 5; i++ {
		tr.RecordCall("finnhub", "price")
	}
	assert.False(t, tr.CanUseProvider("finnhub"))

	// The window slides, not resets: 61s later all five calls have aged out.
	fake.Advance(61 * time.Second)
	assert.True(t, tr.CanUseProvider("finnhub"))
	assert.Equal(t, 0, tr.Usage("finnhub").LastMinute)
}

func TestUnlimitedProvider(t *testing.T) {
	start := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	tr, _ := newTracker(t, start, provider.Config{
		Name:         "fmp",
		Capabilities: provider.Capabilities{RealtimePrice: true},
	})

	for i := 0; i < 1000; i++ {
		tr.RecordCall("fmp", "price")
	}
	assert.True(t, tr.CanUseProvider("fmp"))
	assert.Equal(t, -1, tr.Usage("fmp").QuotaRemaining)
}

func TestUnknownProviderInadmissible(t *testing.T) {
	start := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	tr, _ := newTracker(t, start)
	assert.False(t, tr.CanUseProvider("nope"))
}

func TestSelectBestProviderSkipsExhausted(t *testing.T) {
	start := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	tr, fake := newTracker(t, start,
		provider.Config{
			Name:         "alphaVantage",
			Priority:     1,
			Capabilities: provider.Capabilities{Fundamentals: true},
			Limits:       provider.QuotaLimits{Daily: 25},
		},
		provider.Config{
			Name:         "fmp",
			Priority:     2,
			Capabilities: provider.Capabilities{Fundamentals: true},
			Limits:       provider.QuotaLimits{Daily: 250},
		},
	)

	// Fresh tracker prefers the lower priority.
	assert.Equal(t, "alphaVantage", tr.SelectBestProvider(provider.DataTypeFundamentals, []string{"alphaVantage", "fmp"}))

	for i := 0; i < 25; i++ {
		tr.RecordCall("alphaVantage", "fundamentals")
		fake.Advance(2 * time.Minute)
	}

	assert.False(t, tr.CanUseProvider("alphaVantage"))
	assert.Equal(t, "fmp", tr.SelectBestProvider(provider.DataTypeFundamentals, []string{"alphaVantage", "fmp"}))
}

func TestSelectBestProviderLeastBadWhenAllExhausted(t *testing.T) {
	start := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	tr, fake := newTracker(t, start,
		provider.Config{
			Name:         "a",
			Priority:     1,
			Capabilities: provider.Capabilities{RealtimePrice: true},
			Limits:       provider.QuotaLimits{Daily: 10},
		},
		provider.Config{
			Name:         "b",
			Priority:     2,
			Capabilities: provider.Capabilities{RealtimePrice: true},
			Limits:       provider.QuotaLimits{Daily: 10},
		},
	)

	// RecordCall does not enforce the ceiling, so a can overshoot to 120%
	// while b sits exactly at its limit. Both are inadmissible; the
	// degraded choice is the least-used one.
	for i := 0; i < 12; i++ {
		tr.RecordCall("a", "price")
		fake.Advance(2 * time.Minute)
	}
	for i := 0; i < 10; i++ {
		tr.RecordCall("b", "price")
		fake.Advance(2 * time.Minute)
	}

	assert.False(t, tr.CanUseProvider("a"))
	assert.False(t, tr.CanUseProvider("b"))
	assert.Equal(t, "b", tr.SelectBestProvider(provider.DataTypePrice, nil))
}

func TestSelectBestProviderOrdersByPriorityThenName(t *testing.T) {
	start := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	tr, _ := newTracker(t, start,
		provider.Config{Name: "zeta", Priority: 1, Capabilities: provider.Capabilities{RealtimePrice: true}},
		provider.Config{Name: "beta", Priority: 1, Capabilities: provider.Capabilities{RealtimePrice: true}},
		provider.Config{Name: "alpha", Priority: 2, Capabilities: provider.Capabilities{RealtimePrice: true}},
	)

	// Registration order must not leak through: lowest priority wins, name
	// breaks the tie.
	assert.Equal(t, "beta", tr.SelectBestProvider(provider.DataTypePrice, nil))
	assert.Equal(t, "beta", tr.SelectBestProvider(provider.DataTypePrice, []string{"zeta", "alpha", "beta"}))
}

func TestSelectBestProviderNoRoute(t *testing.T) {
	start := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	tr, _ := newTracker(t, start, provider.Config{
		Name:         "fmp",
		Capabilities: provider.Capabilities{RealtimePrice: true},
	})
	assert.Equal(t, "", tr.SelectBestProvider(provider.DataTypeNews, nil))
}

func TestAlerts(t *testing.T) {
	start := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	tr, fake := newTracker(t, start, provider.Config{
		Name:         "alphaVantage",
		Capabilities: provider.Capabilities{RealtimePrice: true},
		Limits:       provider.QuotaLimits{Daily: 10},
	})

	for i := 0; i < 8; i++ {
		tr.RecordCall("alphaVantage", "price")
		fake.Advance(2 * time.Minute)
	}
	assert.Empty(t, tr.Alerts(), "80%% usage is at, not above, the threshold")

	tr.RecordCall("alphaVantage", "price")
	assert.Equal(t, []string{"alphaVantage"}, tr.Alerts())
}
