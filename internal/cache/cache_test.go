package cache

import (
	"errors"
	"io"
	"strings"
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

func newTestCache(maxBytes int64) (*Cache, *clock.Fake) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC))
	return New(maxBytes, fake, testLogger()), fake
}

func TestRoundTrip(t *testing.T) {
	c, fake := newTestCache(0)

	c.Set("price:AAPL", map[string]float64{"price": 150.00}, 60*time.Second)

	v, ok := c.Get("price:AAPL")
	require.True(t, ok)
	assert.Equal(t, map[string]float64{"price": 150.00}, v)

	fake.Advance(61 * time.Second)

	v, ok = c.Get("price:AAPL")
	assert.False(t, ok)
	assert.Nil(t, v)

	// Expiry is idempotent across repeated reads.
	_, ok = c.Get("price:AAPL")
	assert.False(t, ok)
}

func TestOverwriteReplacesSize(t *testing.T) {
	c, _ := newTestCache(0)

	c.Set("k", strings.Repeat("x", 100), time.Minute)
	first := c.Stats().EstimatedBytes
	c.Set("k", "y", time.Minute)

	stats := c.Stats()
	assert.Equal(t, 1, stats.EntryCount)
	assert.Less(t, stats.EstimatedBytes, first)
}

func TestEvictsSoonestExpiryUnderByteBudget(t *testing.T) {
	c, _ := newTestCache(250)

	c.Set("long", strings.Repeat("a", 100), 10*time.Minute)
	c.Set("short", strings.Repeat("b", 100), time.Minute)

	// This insert busts the budget; the entry closest to expiring goes
	// first even though it was written last.
	c.Set("new", strings.Repeat("c", 100), 5*time.Minute)

	assert.False(t, c.Has("short"))
	assert.True(t, c.Has("long"))
	assert.True(t, c.Has("new"))
	assert.LessOrEqual(t, c.Stats().EstimatedBytes, int64(250))
}

func TestOverwriteUnderBytePressureKeepsAccountingTight(t *testing.T) {
	c, _ := newTestCache(250)

	c.Set("k", strings.Repeat("x", 100), time.Minute)
	c.Set("b", strings.Repeat("y", 100), 10*time.Minute)

	// The larger replacement forces an eviction while the old "k" is being
	// replaced; its size must not be deducted twice.
	c.Set("k", strings.Repeat("z", 200), time.Minute)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("z", 200), v)
	assert.False(t, c.Has("b"))

	stats := c.Stats()
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, int64(202), stats.EstimatedBytes)
	assert.LessOrEqual(t, stats.EstimatedBytes, stats.MaxBytes)
}

func TestDeleteAndClear(t *testing.T) {
	c, _ := newTestCache(0)

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)

	c.Delete("a")
	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))

	c.Clear()
	assert.Equal(t, Stats{MaxBytes: 0}, c.Stats())
}

func TestGetSetMultiple(t *testing.T) {
	c, _ := newTestCache(0)

	c.SetMultiple(map[string]interface{}{"a": 1, "b": 2}, time.Minute)

	got := c.GetMultiple([]string{"a", "b", "missing"})
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, got)
}

func TestLoadFillsOnMiss(t *testing.T) {
	c, _ := newTestCache(0)

	calls := 0
	fill := func() (interface{}, error) {
		calls++
		return "fresh", nil
	}

	v, hit, err := c.Load("k", time.Minute, fill)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, 1, calls)

	v, hit, err = c.Load("k", time.Minute, fill)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, 1, calls, "second load must be served from cache")
}

func TestLoadPropagatesErrorWithoutCaching(t *testing.T) {
	c, _ := newTestCache(0)

	boom := errors.New("upstream down")
	_, _, err := c.Load("k", time.Minute, func() (interface{}, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, c.Has("k"))
}

func TestLoadCoalescesConcurrentMisses(t *testing.T) {
	c, _ := newTestCache(0)

	var mu sync.Mutex
	calls := 0
	release := make(chan struct{})
	fill := func() (interface{}, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.Load("k", time.Minute, fill)
			assert.NoError(t, err)
			assert.Equal(t, "v", v)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, calls, 2, "concurrent misses should be coalesced")
}

func TestSweepRemovesExpired(t *testing.T) {
	c, fake := newTestCache(0)

	c.Set("stale", 1, time.Minute)
	c.Set("live", 2, time.Hour)

	fake.Advance(2 * time.Minute)
	c.sweep()

	stats := c.Stats()
	assert.Equal(t, 1, stats.EntryCount)
	assert.True(t, c.Has("live"))
}
