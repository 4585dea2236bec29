package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ai-agentic-browser/internal/config"
	"github.com/ai-agentic-browser/internal/executor"
	"github.com/ai-agentic-browser/internal/guardian"
	"github.com/ai-agentic-browser/internal/keeper"
	"github.com/ai-agentic-browser/internal/lockregistry"
	"github.com/ai-agentic-browser/internal/marketcache"
	"github.com/ai-agentic-browser/internal/predictor"
	"github.com/ai-agentic-browser/internal/reconcile"
	"github.com/ai-agentic-browser/internal/scheduler"
	"github.com/ai-agentic-browser/internal/venue"
	"github.com/ai-agentic-browser/internal/venue/hyperliquid"
	"github.com/ai-agentic-browser/internal/venue/lighter"
	"github.com/ai-agentic-browser/internal/venue/vertex"
	"github.com/ai-agentic-browser/pkg/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	obsConfig := observability.GetDefaultSimpleConfig()
	obsConfig.ServiceName = cfg.Observability.ServiceName
	obsProvider, err := observability.NewSimpleObservabilityProvider(obsConfig)
	if err != nil {
		log.Fatalf("failed to initialize observability: %v", err)
	}
	logger := obsProvider.Logger

	metricsProvider, err := observability.NewMetricsProvider(observability.MetricsConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: "dev",
		Namespace:      "keeper",
		Port:           cfg.Observability.MetricsPort,
		Enabled:        cfg.Observability.MetricsEnabled,
	})
	if err != nil {
		log.Fatalf("failed to initialize metrics: %v", err)
	}
	if cfg.Observability.MetricsEnabled {
		go func() {
			if err := metricsProvider.StartMetricsServer(cfg.Observability.MetricsPort); err != nil {
				logger.Warn(context.Background(), "metrics server exited", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	tracingProvider, err := observability.NewTracingProvider(cfg.Observability)
	if err != nil {
		logger.Warn(context.Background(), "tracing disabled: jaeger exporter unavailable", map[string]interface{}{"error": err.Error()})
		tracingProvider = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		log.Fatalf("failed to construct venue adapters: %v", err)
	}
	if len(adapters) == 0 {
		log.Fatalf("no venue adapters configured; set at least one venue's credentials")
	}

	symbols := []keeper.Symbol{"BTC-PERP", "ETH-PERP", "SOL-PERP"}
	clock := keeper.SystemClock{}

	cache := marketcache.New(adapters, logger)
	registry := lockregistry.New(clock)

	execCfg := executor.DefaultConfig()
	execCfg.NumberOfSlices = cfg.Executor.NumberOfSlices
	execCfg.SliceFillTimeout = time.Duration(cfg.Executor.SliceFillTimeoutMs) * time.Millisecond
	execCfg.FillCheckInterval = time.Duration(cfg.Executor.FillCheckIntervalMs) * time.Millisecond
	execCfg.MaxImbalancePercent = decimal.NewFromFloat(cfg.Executor.MaxImbalancePercent)
	execCfg.OverallMaxImbalance = decimal.NewFromFloat(cfg.Executor.OverallMaxImbalance)
	execCfg.InterSliceSleep = time.Duration(cfg.Executor.InterSliceSleepMs) * time.Millisecond
	hedgeExecutor := executor.New(adapters, registry, clock, execCfg, logger)
	hedgeExecutor.SetMetrics(metricsProvider)

	fakePredictor := predictor.NewFake()

	guardCfg := guardian.DefaultConfig()
	guardCfg.TickInterval = time.Duration(cfg.Guardian.TickIntervalSeconds) * time.Second
	guardCfg.MinAge = time.Duration(cfg.Guardian.MinAgeSeconds) * time.Second
	guardCfg.AggressiveAge = time.Duration(cfg.Guardian.AggressiveAgeSeconds) * time.Second
	guardCfg.MarketOrderAge = time.Duration(cfg.Guardian.MarketOrderAgeSeconds) * time.Second
	guardCfg.ZombieTimeout = time.Duration(cfg.Guardian.ZombieTimeoutSeconds) * time.Second
	guardCfg.MaxRetries = cfg.Guardian.MaxRetries
	orderGuardian := guardian.New(adapters, registry, fakePredictor, clock, guardCfg, logger)
	orderGuardian.SetMetrics(metricsProvider)

	reconcileCfg := reconcile.DefaultConfig()
	reconcileCfg.ImbalanceThreshold = decimal.NewFromFloat(cfg.Reconcile.ImbalanceThresholdPercent)
	reconcileCfg.NoFillAge = time.Duration(cfg.Reconcile.NoFillAgeSeconds) * time.Second
	reconcileEngine := reconcile.New(adapters, clock, reconcileCfg, logger)
	reconcileEngine.SetMetrics(metricsProvider)
	hedgeExecutor.SetReconcile(reconcileEngine)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.HTTPAddr = cfg.Server.Host + ":" + cfg.Server.Port

	sched := scheduler.New(adapters, cache, registry, orderGuardian, reconcileEngine, hedgeExecutor, fakePredictor, nil, symbols, schedCfg, logger)
	sched.SetObservabilityMiddleware(observability.NewObservabilityMiddleware(metricsProvider, logger, observability.MiddlewareConfig{
		ServiceName: cfg.Observability.ServiceName,
	}))
	perfMonitor := observability.NewPerformanceMonitor(logger)
	sched.SetPerformanceMonitor(perfMonitor)
	sched.Start(ctx)

	logger.Info(ctx, "keeper started", map[string]interface{}{
		"venues":  venueNames(adapters),
		"address": schedCfg.HTTPAddr,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info(ctx, "received shutdown signal", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	sched.Stop(shutdownCtx)
	if err := metricsProvider.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "metrics shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	if tracingProvider != nil {
		if err := tracingProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn(ctx, "tracing shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}

	logger.Info(ctx, "keeper shutdown complete", nil)
}

// buildAdapters constructs one adapter per venue with non-empty credentials.
// A venue with no configured key is simply absent from the table rather
// than erroring — the keeper runs against whatever subset is funded.
func buildAdapters(cfg *config.Config, logger *observability.Logger) (map[keeper.VenueID]venue.Adapter, error) {
	adapters := make(map[keeper.VenueID]venue.Adapter)

	if cfg.Venues.HyperliquidKeyHex != "" {
		hlCfg := hyperliquid.DefaultConfig()
		hlCfg.BaseURL = cfg.Venues.HyperliquidBaseURL
		hlCfg.WSURL = cfg.Venues.HyperliquidWSURL
		hlCfg.PrivateKeyHex = cfg.Venues.HyperliquidKeyHex
		hlCfg.ChainID = cfg.Venues.HyperliquidChainID
		hlCfg.RequestTimeout = cfg.Venues.RequestTimeout
		hlCfg.BalanceTTL = cfg.Venues.BalanceCacheTTL
		hlCfg.PriceTTL = cfg.Venues.PriceCacheTTL
		hlCfg.SymbolTTL = cfg.Venues.SymbolCacheTTL
		adapter, err := hyperliquid.New(hlCfg, logger)
		if err != nil {
			return nil, err
		}
		adapters[keeper.VenueHyperliquid] = adapter
	}

	if cfg.Venues.LighterStarkKey != "" {
		ltCfg := lighter.DefaultConfig()
		ltCfg.BaseURL = cfg.Venues.LighterBaseURL
		ltCfg.StarkKeyHex = cfg.Venues.LighterStarkKey
		ltCfg.RequestTimeout = cfg.Venues.RequestTimeout
		ltCfg.BalanceTTL = cfg.Venues.BalanceCacheTTL
		ltCfg.PriceTTL = cfg.Venues.PriceCacheTTL
		ltCfg.SymbolTTL = cfg.Venues.SymbolCacheTTL
		adapter, err := lighter.New(ltCfg, logger)
		if err != nil {
			return nil, err
		}
		adapters[keeper.VenueLighter] = adapter
	}

	if cfg.Venues.VertexAPISecret != "" {
		vxCfg := vertex.DefaultConfig()
		vxCfg.BaseURL = cfg.Venues.VertexBaseURL
		vxCfg.APIKey = cfg.Venues.VertexAPIKey
		vxCfg.APISecret = cfg.Venues.VertexAPISecret
		vxCfg.RequestTimeout = cfg.Venues.RequestTimeout
		vxCfg.BalanceTTL = cfg.Venues.BalanceCacheTTL
		vxCfg.PriceTTL = cfg.Venues.PriceCacheTTL
		vxCfg.SymbolTTL = cfg.Venues.SymbolCacheTTL
		adapter, err := vertex.New(vxCfg, logger)
		if err != nil {
			return nil, err
		}
		adapters[keeper.VenueVertex] = adapter
	}

	return adapters, nil
}

func venueNames(adapters map[keeper.VenueID]venue.Adapter) []string {
	out := make([]string, 0, len(adapters))
	for id := range adapters {
		out = append(out, string(id))
	}
	return out
}
