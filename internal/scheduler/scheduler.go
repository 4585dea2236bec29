// Package scheduler is the keeper's control plane: it owns the periodic
// loop goroutines (Guardian 30s, Reconciliation 5s, market-state refresh
// 10-30s, NAV sync 1h), drains the vault event stream into unwinder/adapter
// calls, and exposes a small read-only diagnostics HTTP surface.
package scheduler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ai-agentic-browser/internal/executor"
	"github.com/ai-agentic-browser/internal/guardian"
	"github.com/ai-agentic-browser/internal/keeper"
	"github.com/ai-agentic-browser/internal/lockregistry"
	"github.com/ai-agentic-browser/internal/marketcache"
	"github.com/ai-agentic-browser/internal/predictor"
	"github.com/ai-agentic-browser/internal/reconcile"
	"github.com/ai-agentic-browser/internal/unwinder"
	"github.com/ai-agentic-browser/internal/vault"
	"github.com/ai-agentic-browser/internal/venue"
	"github.com/ai-agentic-browser/pkg/observability"
)

// Config tunes the scheduler's own loop cadences.
type Config struct {
	MarketRefreshInterval time.Duration
	NAVSyncInterval       time.Duration
	HTTPAddr              string
}

// DefaultConfig returns the scheduler's default loop cadences.
func DefaultConfig() Config {
	return Config{
		MarketRefreshInterval: 15 * time.Second,
		NAVSyncInterval:       time.Hour,
		HTTPAddr:              ":8090",
	}
}

// Scheduler wires every component together and drives their periodic ticks.
// Each loop is single-instance: if the previous tick is still running, the
// next is skipped.
type Scheduler struct {
	cfg Config

	adapters  map[keeper.VenueID]venue.Adapter
	cache     *marketcache.Cache
	registry  *lockregistry.Registry
	guardian  *guardian.Guardian
	reconcile *reconcile.Engine
	executor  *executor.Executor
	predictor predictor.Predictor
	vaultSrc  vault.Stream
	logger    *observability.Logger
	symbols   []keeper.Symbol

	guardianRunning  int32Flag
	reconcileRunning int32Flag
	refreshRunning   int32Flag
	navSyncRunning   int32Flag

	stopCh chan struct{}
	wg     sync.WaitGroup

	httpServer    *http.Server
	healthChecker *observability.HealthChecker
	obsMiddleware *observability.ObservabilityMiddleware
	audit         *observability.AuditLogger
	perf          *observability.PerformanceMonitor
	startedAt     time.Time
}

// SetObservabilityMiddleware attaches request tracing/metrics/logging to the
// diagnostics router; nil (the default) leaves the router running with just
// gin's recovery middleware.
func (s *Scheduler) SetObservabilityMiddleware(om *observability.ObservabilityMiddleware) {
	s.obsMiddleware = om
}

// SetPerformanceMonitor attaches resource and registry/cache health tracking.
// Safe to call with nil.
func (s *Scheduler) SetPerformanceMonitor(pm *observability.PerformanceMonitor) {
	s.perf = pm
}

// int32Flag is a tiny mutex-guarded single-instance guard.
type int32Flag struct {
	mu      sync.Mutex
	running bool
}

func (f *int32Flag) tryStart() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return false
	}
	f.running = true
	return true
}

func (f *int32Flag) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
}

// New constructs a Scheduler over the closed adapter table and every
// component it drives.
func New(
	adapters map[keeper.VenueID]venue.Adapter,
	cache *marketcache.Cache,
	registry *lockregistry.Registry,
	g *guardian.Guardian,
	r *reconcile.Engine,
	ex *executor.Executor,
	pred predictor.Predictor,
	vaultSrc vault.Stream,
	symbols []keeper.Symbol,
	cfg Config,
	logger *observability.Logger,
) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		adapters:  adapters,
		cache:     cache,
		registry:  registry,
		guardian:  g,
		reconcile: r,
		executor:  ex,
		predictor: pred,
		vaultSrc:  vaultSrc,
		symbols:   symbols,
		logger:    logger,
		audit:     observability.NewAuditLogger(logger),
		stopCh:    make(chan struct{}),
	}

	s.healthChecker = observability.NewHealthChecker(logger)
	for id, adapter := range adapters {
		venueID, a := id, adapter
		s.healthChecker.RegisterCheck(string(venueID), func(ctx context.Context) observability.HealthCheckResult {
			if err := a.TestConnection(ctx); err != nil {
				return observability.HealthCheckResult{Status: observability.HealthStatusUnhealthy, Message: "venue unreachable", Error: err.Error()}
			}
			return observability.HealthCheckResult{Status: observability.HealthStatusHealthy, Message: "venue reachable"}
		})
	}

	return s
}

// Start launches every periodic loop and the diagnostics HTTP surface.
func (s *Scheduler) Start(ctx context.Context) {
	s.startedAt = time.Now()
	s.audit.LogSystemEvent(ctx, "scheduler_started", "scheduler", map[string]interface{}{"symbols": len(s.symbols)})

	s.wg.Add(1)
	go s.runLoop(ctx, 30*time.Second, &s.guardianRunning, func(ctx context.Context) {
		s.guardian.Tick(ctx)
		s.recordRegistryHealth()
	})

	s.wg.Add(1)
	go s.runLoop(ctx, 5*time.Second, &s.reconcileRunning, func(ctx context.Context) {
		result := s.reconcile.Tick(ctx)
		s.handleReconcileResult(ctx, result)
	})

	s.wg.Add(1)
	go s.runLoop(ctx, s.cfg.MarketRefreshInterval, &s.refreshRunning, func(ctx context.Context) {
		result, err := s.cache.RefreshAll(ctx, s.symbols)
		if err != nil {
			s.logger.Warn(ctx, "scheduler: market refresh failed", map[string]interface{}{"error": err.Error()})
			return
		}
		if s.perf != nil {
			s.perf.RecordMarketCacheMetrics(time.Since(result.UpdatedAt), int64(len(result.Errors)))
		}
		s.detectAndRecoverSingleLegs(ctx)
	})

	s.wg.Add(1)
	go s.runLoop(ctx, s.cfg.NAVSyncInterval, &s.navSyncRunning, s.syncNAV)

	if s.vaultSrc != nil {
		s.wg.Add(1)
		go s.runVaultLoop(ctx)
	}

	s.startFillDispatch(ctx)

	s.startHTTP()
}

// startFillDispatch subscribes to every adapter's native order-update stream,
// where one exists, and forwards each event to the Guardian so a fill is
// reflected in the lock registry immediately instead of waiting for the next
// Guardian tick. Poll-only venues don't implement venue.FillSubscriber and
// are simply skipped.
func (s *Scheduler) startFillDispatch(ctx context.Context) {
	for id, adapter := range s.adapters {
		sub, ok := adapter.(venue.FillSubscriber)
		if !ok {
			continue
		}
		venueID := id
		updates, err := sub.SubscribeFills(ctx)
		if err != nil {
			s.logger.Warn(ctx, "scheduler: fill subscription failed", map[string]interface{}{"venue": string(venueID), "error": err.Error()})
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				case update, ok := <-updates:
					if !ok {
						return
					}
					s.guardian.HandleFillEvent(venueID, update)
				}
			}
		}()
	}
}

// handleReconcileResult acts on one reconciliation pass: a hedge pair drifted
// past the imbalance threshold gets a reduce-only rebalance order on the
// larger leg, and an overfill is only logged as a warning for manual
// review.
func (s *Scheduler) handleReconcileResult(ctx context.Context, result reconcile.TickResult) {
	for _, drift := range result.Drifts {
		longSize, _ := findActualSize(result.Actuals, drift.LongVenue, drift.Symbol)
		shortSize, _ := findActualSize(result.Actuals, drift.ShortVenue, drift.Symbol)
		venueID, req := reconcile.RebalanceOrder(drift, longSize, shortSize)
		if req == nil {
			continue
		}
		adapter, ok := s.adapters[venueID]
		if !ok {
			continue
		}
		resp, err := adapter.PlaceOrder(ctx, *req)
		if err != nil {
			s.logger.Warn(ctx, "scheduler: hedge-pair rebalance order failed", map[string]interface{}{
				"venue": string(venueID), "symbol": string(drift.Symbol), "error": err.Error(),
			})
			continue
		}
		s.logger.Info(ctx, "scheduler: hedge-pair rebalance order placed", map[string]interface{}{
			"venue": string(venueID), "symbol": string(drift.Symbol), "order_id": resp.VenueOrderID, "imbalance": drift.Imbalance.String(),
		})
	}

	for _, exp := range result.Overfilled {
		s.logger.Warn(ctx, "scheduler: expectation overfilled, flagging for manual review", map[string]interface{}{
			"venue": string(exp.Venue), "symbol": string(exp.Symbol), "order_id": exp.OrderID,
		})
	}
}

// recordRegistryHealth reports the lock registry's current in-flight state
// to the performance monitor: how many legs are active, how old the oldest
// one is, and how many are past the Guardian's zombie-sweep age (a proxy for
// "about to be force-cleared" rather than an exact count of a sweep result).
func (s *Scheduler) recordRegistryHealth() {
	if s.perf == nil {
		return
	}
	active := s.registry.GetAllActiveOrders()
	now := time.Now()
	var oldest time.Duration
	var staleCount int64
	zombieAge := guardian.DefaultConfig().ZombieTimeout
	for _, rec := range active {
		age := now.Sub(rec.CreatedAt)
		if age > oldest {
			oldest = age
		}
		if age >= zombieAge {
			staleCount++
		}
	}
	s.perf.RecordRegistryMetrics(int64(len(active)), oldest, staleCount)
}

func findActualSize(actuals map[keeper.VenueID][]keeper.Position, venueID keeper.VenueID, symbol keeper.Symbol) (decimal.Decimal, bool) {
	for _, p := range actuals[venueID] {
		if p.Symbol.Normalize() == symbol.Normalize() {
			return p.Size, true
		}
	}
	return decimal.Zero, false
}

// Stop signals every loop to exit and waits for them, and shuts the
// diagnostics server down gracefully.
func (s *Scheduler) Stop(ctx context.Context) {
	close(s.stopCh)
	s.wg.Wait()
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}
	if s.perf != nil {
		s.perf.Stop()
	}
	s.audit.LogSystemEvent(ctx, "scheduler_stopped", "scheduler", nil)
}

// runLoop drives one single-instance periodic tick.
func (s *Scheduler) runLoop(ctx context.Context, interval time.Duration, flag *int32Flag, tick func(ctx context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !flag.tryStart() {
				continue
			}
			go func() {
				defer flag.stop()
				tick(ctx)
			}()
		}
	}
}

// runVaultLoop drains the vault event stream: withdrawal-shaped events become
// a withdrawal-unwinder plan and CapitalDeployed opens a hedge through the
// executor (see handleVaultEvent). No adapter balance-transfer operation is
// issued.
func (s *Scheduler) runVaultLoop(ctx context.Context) {
	defer s.wg.Done()
	events := s.vaultSrc.Events()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleVaultEvent(ctx, ev)
		}
	}
}

func (s *Scheduler) handleVaultEvent(ctx context.Context, ev vault.Event) {
	switch ev.Type {
	case vault.EventWithdrawalRequested, vault.EventImmediateWithdrawal, vault.EventEmergencyRecall:
		plan := unwinder.Build(ev.AmountUSD, s.cache.AllPositions(), func(venueID keeper.VenueID, symbol keeper.Symbol) (decimal.Decimal, bool) {
			return s.cache.MarkPrice(venueID, symbol)
		})
		s.executeUnwindPlan(ctx, plan)
	case vault.EventCapitalDeployed:
		s.logger.Info(ctx, "scheduler: capital deployed", map[string]interface{}{"venue": string(ev.Venue), "amount": ev.AmountUSD.String()})
		s.openHedgeFromCapital(ctx, ev)
	}
}

// openHedgeFromCapital reacts to a CapitalDeployed event by picking, across
// every tracked symbol, the funding-rate pair the predictor rates best, and
// sizing a hedged open against the deployed USD amount at the long leg's
// mark price.
func (s *Scheduler) openHedgeFromCapital(ctx context.Context, ev vault.Event) {
	if s.executor == nil || s.predictor == nil || ev.AmountUSD.LessThanOrEqual(decimal.Zero) {
		return
	}

	var bestSymbol keeper.Symbol
	var bestLong, bestShort keeper.VenueID
	bestSpread := decimal.NewFromFloat(-1)

	for _, sym := range s.symbols {
		rates, err := s.predictor.CompareFundingRates(ctx, sym)
		if err != nil {
			continue
		}
		longVenue, shortVenue, err := predictor.BestPair(rates)
		if err != nil {
			continue
		}
		spread := decimal.Zero
		for _, r := range rates {
			if r.Venue == shortVenue {
				spread = spread.Add(decimal.NewFromFloat(r.PredictedRate))
			}
			if r.Venue == longVenue {
				spread = spread.Sub(decimal.NewFromFloat(r.PredictedRate))
			}
		}
		if spread.GreaterThan(bestSpread) {
			bestSpread = spread
			bestSymbol = sym
			bestLong = longVenue
			bestShort = shortVenue
		}
	}

	if bestSymbol == "" {
		s.logger.Warn(ctx, "scheduler: no funding-rate pair available for deployed capital", nil)
		return
	}

	mark, ok := s.cache.MarkPrice(bestLong, bestSymbol)
	if !ok || mark.IsZero() {
		s.logger.Warn(ctx, "scheduler: no cached mark price for chosen pair, skipping open", map[string]interface{}{"symbol": string(bestSymbol)})
		return
	}
	size := ev.AmountUSD.Div(mark)

	result := s.executor.Run(ctx, executor.Request{
		Symbol:     bestSymbol,
		LongVenue:  bestLong,
		ShortVenue: bestShort,
		Size:       size,
	})
	if result.Success && s.reconcile != nil {
		s.reconcile.RegisterPair(reconcile.RegisteredPair{
			Symbol: bestSymbol, LongVenue: bestLong, ShortVenue: bestShort,
		})
	}
	s.audit.LogAction(ctx, "hedge_open_from_capital", string(bestLong), string(bestSymbol), map[string]interface{}{
		"short_venue": string(bestShort), "amount_usd": ev.AmountUSD.String(), "success": result.Success,
	})
	s.logger.Info(ctx, "scheduler: hedge open from deployed capital complete", map[string]interface{}{
		"symbol": string(bestSymbol), "success": result.Success, "thread_id": result.ThreadID,
	})
}

// detectAndRecoverSingleLegs finds every position with no balanced opposite
// leg on another venue and drives the Guardian's single-leg recovery ladder
// for it — this detection lives outside the
// Guardian's own tick, called by whatever owns the position view.
func (s *Scheduler) detectAndRecoverSingleLegs(ctx context.Context) {
	_, unpaired := unwinder.Partition(s.cache.AllPositions())
	for _, pos := range unpaired {
		if pos.IsDust() {
			continue
		}
		recovered, err := s.guardian.SingleLegRecovery(ctx, pos)
		if err != nil {
			s.logger.Warn(ctx, "scheduler: single-leg recovery failed", map[string]interface{}{
				"venue": string(pos.Venue), "symbol": string(pos.Symbol), "error": err.Error(),
			})
			continue
		}
		if !recovered {
			if err := s.guardian.SingleLegClose(ctx, pos); err != nil {
				s.logger.Warn(ctx, "scheduler: single-leg close failed", map[string]interface{}{
					"venue": string(pos.Venue), "symbol": string(pos.Symbol), "error": err.Error(),
				})
			}
		}
	}
}

// executeUnwindPlan submits every planned reduce-only order; the Guardian's
// thread-health ladder handles any asymmetric fill the same way it would for
// an opening operation.
func (s *Scheduler) executeUnwindPlan(ctx context.Context, plan unwinder.Plan) {
	if plan.Partial {
		s.logger.Warn(ctx, "scheduler: withdrawal plan only partially fills the requested amount", map[string]interface{}{
			"requested": plan.Requested.String(), "freed": plan.Freed.String(), "residual": plan.Residual.String(),
		})
	}
	for _, order := range plan.Orders {
		adapter, ok := s.adapters[order.Venue]
		if !ok {
			continue
		}
		resp, err := adapter.PlaceOrder(ctx, keeper.OrderRequest{
			Symbol: order.Symbol, Side: order.Side, Type: keeper.OrderTypeLimit,
			Size: order.Size, Price: order.Price, TimeInForce: keeper.TimeInForceGTC, ReduceOnly: true,
		})
		if err != nil {
			s.logger.Warn(ctx, "scheduler: unwind leg placement failed", map[string]interface{}{"venue": string(order.Venue), "error": err.Error()})
			continue
		}
		if _, err := s.registry.RegisterOrderPlacing(resp.VenueOrderID, order.Symbol, order.Venue, order.Side, order.ThreadID, order.Size, order.Price); err != nil {
			s.logger.Warn(ctx, "scheduler: failed to register unwind leg", map[string]interface{}{"error": err.Error()})
		}
		s.audit.LogAction(ctx, "unwind_leg_placed", string(order.Venue), string(order.Symbol), map[string]interface{}{"size": order.Size.String()})
	}
}

// syncNAV reads every venue's equity through GetAllBalances once per
// NAVSyncInterval and logs how many venues answered. It stores nothing, so a
// later GetAllBalances call queries each adapter's GetEquity again (served
// from the adapter's own equity cache while that is fresh).
func (s *Scheduler) syncNAV(ctx context.Context) {
	venues := make([]keeper.VenueID, 0, len(s.adapters))
	for id := range s.adapters {
		venues = append(venues, id)
	}
	balances, err := s.GetAllBalances(venues)
	if err != nil {
		s.logger.Warn(ctx, "scheduler: NAV sync failed", map[string]interface{}{"error": err.Error()})
		return
	}
	s.logger.Info(ctx, "scheduler: NAV sync complete", map[string]interface{}{"venue_count": len(balances)})
}

// GetAllBalances implements vault.NAVReporter, the read-only surface the
// external NAV reporter polls.
func (s *Scheduler) GetAllBalances(venues []keeper.VenueID) (map[keeper.VenueID]decimal.Decimal, error) {
	ctx := context.Background()
	out := make(map[keeper.VenueID]decimal.Decimal)
	for _, id := range venues {
		adapter, ok := s.adapters[id]
		if !ok {
			continue
		}
		balance, err := adapter.GetEquity(ctx)
		if err != nil {
			return nil, err
		}
		out[id] = balance
	}
	return out, nil
}

var _ vault.NAVReporter = (*Scheduler)(nil)

// startHTTP serves a read-only diagnostics surface: active orders and
// per-venue readiness, backed by pkg/observability's HealthChecker
// registry.
func (s *Scheduler) startHTTP() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if s.obsMiddleware != nil {
		router.Use(s.obsMiddleware.GinMiddleware())
	}

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if s.perf != nil {
			s.perf.RecordRequest(&observability.RequestMetrics{
				Path:       c.Request.URL.Path,
				Method:     c.Request.Method,
				StatusCode: c.Writer.Status(),
				Duration:   time.Since(start),
				IP:         c.ClientIP(),
				Timestamp:  start,
			})
		}
	})

	router.GET("/healthz", func(c *gin.Context) {
		results := s.healthChecker.CheckHealth(c.Request.Context())
		overall := s.healthChecker.GetOverallStatus(results)
		code := http.StatusOK
		if overall != observability.HealthStatusHealthy {
			code = http.StatusServiceUnavailable
		}
		resp := gin.H{"status": overall, "venues": results}
		if s.perf != nil {
			resp["performance"] = s.perf.GetHealthStatus()
		}
		c.JSON(code, resp)
	})

	router.GET("/diagnostics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"active_orders":    s.registry.GetAllActiveOrders(),
			"last_market_sync": s.cache.LastUpdateTime(),
			"uptime":           time.Since(s.startedAt).String(),
			"system":           observability.CurrentSystemInfo(),
		})
	})

	s.httpServer = &http.Server{Addr: s.cfg.HTTPAddr, Handler: router}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error(context.Background(), "scheduler: diagnostics server failed", err)
		}
	}()
}
