// Package config loads the keeper's runtime configuration from environment
// variables via a small Load()/getEnv helper pattern rather than a
// config-file library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the keeper's components read at startup.
type Config struct {
	Server        ServerConfig
	Venues        VenuesConfig
	Executor      ExecutorConfig
	Guardian      GuardianConfig
	Reconcile     ReconcileConfig
	Observability ObservabilityConfig
}

// ServerConfig configures the read-only diagnostics HTTP surface.
type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// VenuesConfig carries each venue's credentials and endpoints. Empty
// credentials for a venue disable it rather than erroring — buildAdapters in
// cmd/keeper constructs an adapter only for venues with a non-empty key.
type VenuesConfig struct {
	HyperliquidBaseURL  string
	HyperliquidWSURL    string
	HyperliquidKeyHex   string
	HyperliquidChainID  int64

	LighterBaseURL   string
	LighterStarkKey  string

	VertexBaseURL   string
	VertexAPIKey    string
	VertexAPISecret string

	BalanceCacheTTL time.Duration
	PriceCacheTTL   time.Duration
	SymbolCacheTTL  time.Duration
	RequestTimeout  time.Duration
}

// ExecutorConfig mirrors executor.Config.
type ExecutorConfig struct {
	NumberOfSlices       int
	SliceFillTimeoutMs   int
	FillCheckIntervalMs  int
	MaxImbalancePercent  float64
	OverallMaxImbalance  float64
	InterSliceSleepMs    int
}

// GuardianConfig mirrors the Guardian's escalation ladder options.
type GuardianConfig struct {
	TickIntervalSeconds   int
	MinAgeSeconds         int
	AggressiveAgeSeconds  int
	MarketOrderAgeSeconds int
	ZombieTimeoutSeconds  int
	MaxRetries            int
}

// ReconcileConfig mirrors the reconciliation engine's thresholds.
type ReconcileConfig struct {
	TickIntervalSeconds       int
	ImbalanceThresholdPercent float64
	NoFillAgeSeconds          int
}

// ObservabilityConfig configures pkg/observability's logger, tracer, and
// metrics provider.
type ObservabilityConfig struct {
	JaegerEndpoint string
	ServiceName    string
	LogLevel       string
	LogFormat      string
	MetricsPort    int
	MetricsEnabled bool
}

// Load reads Config from the environment, applying each option's documented
// defaults wherever a variable is unset.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8090"),
			Host:         getEnv("HOST", "0.0.0.0"),
			ReadTimeout:  getDurationEnv("READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 15*time.Second),
		},
		Venues: VenuesConfig{
			HyperliquidBaseURL: getEnv("HYPERLIQUID_BASE_URL", ""),
			HyperliquidWSURL:   getEnv("HYPERLIQUID_WS_URL", ""),
			HyperliquidKeyHex:  getEnv("HYPERLIQUID_PRIVATE_KEY", ""),
			HyperliquidChainID: int64(getIntEnv("HYPERLIQUID_CHAIN_ID", 42161)),

			LighterBaseURL:  getEnv("LIGHTER_BASE_URL", ""),
			LighterStarkKey: getEnv("LIGHTER_STARK_KEY", ""),

			VertexBaseURL:   getEnv("VERTEX_BASE_URL", ""),
			VertexAPIKey:    getEnv("VERTEX_API_KEY", ""),
			VertexAPISecret: getEnv("VERTEX_API_SECRET", ""),

			BalanceCacheTTL: getDurationEnv("BALANCE_CACHE_TTL", 30*time.Second),
			PriceCacheTTL:   getDurationEnv("PRICE_CACHE_TTL", 10*time.Second),
			SymbolCacheTTL:  getDurationEnv("SYMBOL_CACHE_TTL", time.Hour),
			RequestTimeout:  getDurationEnv("VENUE_REQUEST_TIMEOUT", 30*time.Second),
		},
		Executor: ExecutorConfig{
			NumberOfSlices:      getIntEnv("NUMBER_OF_SLICES", 5),
			SliceFillTimeoutMs:  getIntEnv("SLICE_FILL_TIMEOUT_MS", 30000),
			FillCheckIntervalMs: getIntEnv("FILL_CHECK_INTERVAL_MS", 2000),
			MaxImbalancePercent: getFloatEnv("MAX_IMBALANCE_PERCENT", 0.10),
			OverallMaxImbalance: getFloatEnv("OVERALL_MAX_IMBALANCE_PERCENT", 0.02),
			InterSliceSleepMs:   getIntEnv("INTER_SLICE_SLEEP_MS", 500),
		},
		Guardian: GuardianConfig{
			TickIntervalSeconds:   getIntEnv("GUARDIAN_TICK_INTERVAL_SECONDS", 30),
			MinAgeSeconds:         getIntEnv("MIN_AGE_SECONDS", 45),
			AggressiveAgeSeconds:  getIntEnv("AGGRESSIVE_AGE_SECONDS", 90),
			MarketOrderAgeSeconds: getIntEnv("MARKET_ORDER_AGE_SECONDS", 120),
			ZombieTimeoutSeconds:  getIntEnv("ZOMBIE_TIMEOUT_SECONDS", 300),
			MaxRetries:            getIntEnv("MAX_RETRIES", 5),
		},
		Reconcile: ReconcileConfig{
			TickIntervalSeconds:       getIntEnv("RECONCILE_TICK_INTERVAL_SECONDS", 5),
			ImbalanceThresholdPercent: getFloatEnv("IMBALANCE_THRESHOLD_PERCENT", 0.05),
			NoFillAgeSeconds:          getIntEnv("NO_FILL_AGE_SECONDS", 60),
		},
		Observability: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "perp-keeper"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsPort:    getIntEnv("METRICS_PORT", 9090),
			MetricsEnabled: getBoolEnv("METRICS_ENABLED", true),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Venues.HyperliquidKeyHex == "" && c.Venues.LighterStarkKey == "" && c.Venues.VertexAPISecret == "" {
		return fmt.Errorf("at least one venue must be configured")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
