// Package observability wires up the keeper's logger, tracer, and metrics
// provider, so every venue adapter and control-plane loop shares one
// consistent ambient stack.
package observability

import (
	"context"
	"os"

	"github.com/ai-agentic-browser/internal/config"
)

// SimpleObservabilityProvider bundles the keeper's logger behind a single
// construction/shutdown lifecycle, so cmd/keeper only has one component to
// start and stop for logging concerns.
type SimpleObservabilityProvider struct {
	Logger *Logger
	config *SimpleObservabilityConfig
}

// SimpleObservabilityConfig is the minimal set of knobs the provider needs;
// metrics and tracing have their own richer configs (MetricsConfig, tracer
// setup in tracing.go).
type SimpleObservabilityConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	LogLevel       string
	LogFormat      string
}

// NewSimpleObservabilityProvider constructs the logger from cfg, defaulting
// to a development config when cfg is nil.
func NewSimpleObservabilityProvider(cfg *SimpleObservabilityConfig) (*SimpleObservabilityProvider, error) {
	if cfg == nil {
		cfg = &SimpleObservabilityConfig{
			ServiceName:    "perp-keeper",
			ServiceVersion: "unknown",
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "json",
		}
	}

	provider := &SimpleObservabilityProvider{config: cfg}
	provider.Logger = NewLogger(config.ObservabilityConfig{
		ServiceName: cfg.ServiceName,
		LogLevel:    cfg.LogLevel,
		LogFormat:   cfg.LogFormat,
	})
	return provider, nil
}

// Start logs the provider coming up; kept as a lifecycle hook so a future
// component (e.g. a log-shipper) has a place to start without touching
// cmd/keeper.
func (op *SimpleObservabilityProvider) Start(ctx context.Context) error {
	op.Logger.Info(ctx, "observability provider started", map[string]interface{}{
		"service":     op.config.ServiceName,
		"version":     op.config.ServiceVersion,
		"environment": op.config.Environment,
	})
	return nil
}

// Stop logs the provider shutting down.
func (op *SimpleObservabilityProvider) Stop(ctx context.Context) error {
	op.Logger.Info(ctx, "observability provider stopped")
	return nil
}

// GetDefaultSimpleConfig reads the logger's config from the environment,
// falling back to keeper-appropriate defaults.
func GetDefaultSimpleConfig() *SimpleObservabilityConfig {
	return &SimpleObservabilityConfig{
		ServiceName:    getEnv("SERVICE_NAME", "perp-keeper"),
		ServiceVersion: getEnv("SERVICE_VERSION", "unknown"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
