package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Cache.PriceTTL)
	assert.Equal(t, "round_robin", cfg.Pool.Strategy)
	assert.Equal(t, 30*time.Second, cfg.Pool.BreakerCooldown)
	assert.Equal(t, 120*time.Second, cfg.Fallback.HardStaleness)
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("POOL_STRATEGY", "adaptive")
	t.Setenv("FALLBACK_POLLING_ENABLED", "false")
	t.Setenv("POOL_SUBSCRIBES_PER_SECOND", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "adaptive", cfg.Pool.Strategy)
	assert.False(t, cfg.Fallback.PollingEnabled)
	assert.Equal(t, 2.5, cfg.Pool.SubscribesPerSecond)
}

func TestMalformedEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("POOL_CONNECT_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 10*time.Second, cfg.Pool.ConnectTimeout)
}

func TestValidateRejectsInvertedPoolBounds(t *testing.T) {
	t.Setenv("POOL_MIN_CONNECTIONS", "5")
	t.Setenv("POOL_MAX_CONNECTIONS", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestLoadProviders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - name: fmp
    priority: 1
    capabilities:
      realtime_price: true
      batch_requests: true
    limits:
      daily: 250
      per_minute: 30
  - name: alphaVantage
    priority: 2
    capabilities:
      fundamentals: true
    limits:
      daily: 25
symbols: [AAPL, MSFT]
sources:
  - name: fmp
    url: wss://stream.fmp.test/quotes
`), 0o644))

	providers, symbols, sources, err := LoadProviders(path)
	require.NoError(t, err)

	require.Len(t, providers, 2)
	assert.Equal(t, "fmp", providers[0].Name)
	assert.True(t, providers[0].Capabilities.BatchRequests)
	assert.Equal(t, 250, providers[0].Limits.Daily)
	assert.Equal(t, 25, providers[1].Limits.Daily)
	assert.False(t, providers[1].Capabilities.RealtimePrice)

	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)
	require.Len(t, sources, 1)
	assert.Equal(t, "wss://stream.fmp.test/quotes", sources[0].URL)
}

func TestLoadProvidersErrors(t *testing.T) {
	_, _, _, err := LoadProviders(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("providers: []\n"), 0o644))
	_, _, _, err = LoadProviders(empty)
	assert.Error(t, err)

	unnamed := filepath.Join(t.TempDir(), "unnamed.yaml")
	require.NoError(t, os.WriteFile(unnamed, []byte("providers:\n  - priority: 1\n"), 0o644))
	_, _, _, err = LoadProviders(unnamed)
	assert.Error(t, err)
}
