package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"marketgate/internal/fallback"
	"marketgate/internal/provider"
	"marketgate/internal/stream"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Pool     PoolConfig
	Fallback FallbackConfig
	Service  ServiceConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	HTTPPort    int
	Environment string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type CacheConfig struct {
	MaxBytes        int64
	JanitorInterval time.Duration
	PriceTTL        time.Duration
	NewsTTL         time.Duration
	HistoricalTTL   time.Duration
	FundamentalsTTL time.Duration
	CompanyInfoTTL  time.Duration
}

type PoolConfig struct {
	MinConnections      int
	MaxConnections      int
	ConnectTimeout      time.Duration
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	Strategy            string
	FailoverEnabled     bool
	ReconnectMode       string
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	ReconnectMaxRetries int
	HealthCheckInterval time.Duration
	QueueSize           int
	SubscribesPerSecond float64
	SubscribeBurst      int
}

type FallbackConfig struct {
	StalenessThreshold time.Duration
	HardStaleness      time.Duration
	PollingEnabled     bool
	PollInterval       time.Duration
	RestEnabled        bool
	OfflineEnabled     bool
	PromotionGrace     time.Duration
	RestRetention      time.Duration
}

type ServiceConfig struct {
	CallTimeout      time.Duration
	QuotaPruneEvery  time.Duration
	EnableSimAdapter bool
	ProvidersFile    string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:    getEnvInt("HTTP_PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			MaxBytes:        int64(getEnvInt("CACHE_MAX_BYTES", 32<<20)),
			JanitorInterval: parseDuration(getEnv("CACHE_JANITOR_INTERVAL", "1m"), time.Minute),
			PriceTTL:        time.Duration(getEnvInt("CACHE_TTL_PRICE", 60)) * time.Second,
			NewsTTL:         time.Duration(getEnvInt("CACHE_TTL_NEWS", 300)) * time.Second,
			HistoricalTTL:   time.Duration(getEnvInt("CACHE_TTL_HISTORICAL", 1800)) * time.Second,
			FundamentalsTTL: time.Duration(getEnvInt("CACHE_TTL_FUNDAMENTALS", 21600)) * time.Second,
			CompanyInfoTTL:  time.Duration(getEnvInt("CACHE_TTL_COMPANY_INFO", 86400)) * time.Second,
		},
		Pool: PoolConfig{
			MinConnections:      getEnvInt("POOL_MIN_CONNECTIONS", 1),
			MaxConnections:      getEnvInt("POOL_MAX_CONNECTIONS", 3),
			ConnectTimeout:      parseDuration(getEnv("POOL_CONNECT_TIMEOUT", "10s"), 10*time.Second),
			BreakerThreshold:    getEnvInt("POOL_BREAKER_THRESHOLD", 3),
			BreakerCooldown:     parseDuration(getEnv("POOL_BREAKER_COOLDOWN", "30s"), 30*time.Second),
			Strategy:            getEnv("POOL_STRATEGY", "round_robin"),
			FailoverEnabled:     getEnvBool("POOL_FAILOVER_ENABLED", true),
			ReconnectMode:       getEnv("POOL_RECONNECT_MODE", "exponential"),
			ReconnectBaseDelay:  parseDuration(getEnv("POOL_RECONNECT_BASE_DELAY", "1s"), time.Second),
			ReconnectMaxDelay:   parseDuration(getEnv("POOL_RECONNECT_MAX_DELAY", "30s"), 30*time.Second),
			ReconnectMaxRetries: getEnvInt("POOL_RECONNECT_MAX_ATTEMPTS", 10),
			HealthCheckInterval: parseDuration(getEnv("POOL_HEALTH_CHECK_INTERVAL", "30s"), 30*time.Second),
			QueueSize:           getEnvInt("POOL_QUEUE_SIZE", 256),
			SubscribesPerSecond: getEnvFloat("POOL_SUBSCRIBES_PER_SECOND", 10),
			SubscribeBurst:      getEnvInt("POOL_SUBSCRIBE_BURST", 20),
		},
		Fallback: FallbackConfig{
			StalenessThreshold: parseDuration(getEnv("FALLBACK_STALENESS_THRESHOLD", "60s"), 60*time.Second),
			HardStaleness:      parseDuration(getEnv("FALLBACK_HARD_STALENESS", "120s"), 120*time.Second),
			PollingEnabled:     getEnvBool("FALLBACK_POLLING_ENABLED", true),
			PollInterval:       parseDuration(getEnv("FALLBACK_POLL_INTERVAL", "15s"), 15*time.Second),
			RestEnabled:        getEnvBool("FALLBACK_REST_ENABLED", true),
			OfflineEnabled:     getEnvBool("FALLBACK_OFFLINE_ENABLED", true),
			PromotionGrace:     parseDuration(getEnv("FALLBACK_PROMOTION_GRACE", "5s"), 5*time.Second),
			RestRetention:      parseDuration(getEnv("FALLBACK_REST_RETENTION", "30s"), 30*time.Second),
		},
		Service: ServiceConfig{
			CallTimeout:      parseDuration(getEnv("PROVIDER_CALL_TIMEOUT", "10s"), 10*time.Second),
			QuotaPruneEvery:  parseDuration(getEnv("QUOTA_PRUNE_INTERVAL", "10s"), 10*time.Second),
			EnableSimAdapter: getEnvBool("ENABLE_SIM_ADAPTER", true),
			ProvidersFile:    getEnv("PROVIDERS_FILE", "providers.yaml"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Pool.MinConnections > c.Pool.MaxConnections {
		return fmt.Errorf("POOL_MIN_CONNECTIONS must not exceed POOL_MAX_CONNECTIONS")
	}
	if c.Service.ProvidersFile == "" {
		return fmt.Errorf("PROVIDERS_FILE is required")
	}
	return nil
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PoolConfig expands into the pool's own config type.
func (c *PoolConfig) Build() stream.Config {
	cfg := stream.DefaultConfig()
	cfg.MinConnections = c.MinConnections
	cfg.MaxConnections = c.MaxConnections
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.BreakerThreshold = c.BreakerThreshold
	cfg.BreakerCooldown = c.BreakerCooldown
	cfg.Strategy = stream.Strategy(c.Strategy)
	cfg.FailoverEnabled = c.FailoverEnabled
	cfg.Reconnect.Mode = c.ReconnectMode
	cfg.Reconnect.BaseDelay = c.ReconnectBaseDelay
	cfg.Reconnect.MaxDelay = c.ReconnectMaxDelay
	cfg.Reconnect.MaxAttempts = c.ReconnectMaxRetries
	cfg.HealthCheckInterval = c.HealthCheckInterval
	cfg.QueueSize = c.QueueSize
	cfg.SubscribesPerSecond = c.SubscribesPerSecond
	cfg.SubscribeBurst = c.SubscribeBurst
	return cfg
}

func (c *FallbackConfig) Build() fallback.Config {
	cfg := fallback.DefaultConfig()
	cfg.StalenessThreshold = c.StalenessThreshold
	cfg.HardStaleness = c.HardStaleness
	cfg.PollingEnabled = c.PollingEnabled
	cfg.PollInterval = c.PollInterval
	cfg.RestEnabled = c.RestEnabled
	cfg.OfflineEnabled = c.OfflineEnabled
	cfg.PromotionGrace = c.PromotionGrace
	cfg.RestRetention = c.RestRetention
	return cfg
}

// providersFile is the on-disk shape of the provider catalog.
type providersFile struct {
	Providers []provider.Config `yaml:"providers"`
	Symbols   []string          `yaml:"symbols"`
	Sources   []StreamSource    `yaml:"sources"`
}

// StreamSource names one upstream streaming endpoint.
type StreamSource struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// LoadProviders parses the provider catalog: the per-provider priorities,
// capabilities and quota limits plus the streamed symbol set.
func LoadProviders(path string) ([]provider.Config, []string, []StreamSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read providers file: %w", err)
	}

	var pf providersFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, nil, nil, fmt.Errorf("parse providers file: %w", err)
	}
	if len(pf.Providers) == 0 {
		return nil, nil, nil, fmt.Errorf("providers file %s lists no providers", path)
	}
	for i, p := range pf.Providers {
		if p.Name == "" {
			return nil, nil, nil, fmt.Errorf("provider %d has no name", i)
		}
	}
	return pf.Providers, pf.Symbols, pf.Sources, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}
