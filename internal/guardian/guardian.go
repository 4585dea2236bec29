// Package guardian implements the Order Guardian: a fixed 30s-tick watchdog
// that sweeps orphaned venue orders, nudges stalled hedge-thread legs
// through an escalating repair ladder, reconciles zombie registry records,
// and recovers single-leg positions left behind by a failed hedge.
package guardian

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/ai-agentic-browser/internal/keeper"
	"github.com/ai-agentic-browser/internal/lockregistry"
	"github.com/ai-agentic-browser/internal/predictor"
	"github.com/ai-agentic-browser/internal/venue"
	"github.com/ai-agentic-browser/pkg/observability"
)

// Config tunes the Guardian's timing ladder.
type Config struct {
	TickInterval          time.Duration
	MinAge                time.Duration // 45s: thread must be this old before acting
	AggressiveAge         time.Duration // 90s: price-improve threshold
	MarketOrderAge        time.Duration // 120s: force-market threshold
	ZombieTimeout         time.Duration // 300s
	OrphanConfirmCycles   int           // 3
	OrphanConfirmAge      time.Duration // 90s
	MaxRetries            int           // 5
}

// DefaultConfig returns the Guardian's default timing ladder.
func DefaultConfig() Config {
	return Config{
		TickInterval:        30 * time.Second,
		MinAge:              45 * time.Second,
		AggressiveAge:       90 * time.Second,
		MarketOrderAge:      120 * time.Second,
		ZombieTimeout:       300 * time.Second,
		OrphanConfirmCycles: 3,
		OrphanConfirmAge:    90 * time.Second,
		MaxRetries:          5,
	}
}

// untrackedEntry tracks a venue order not present in the lock registry,
// awaiting orphan confirmation.
type untrackedEntry struct {
	firstSeenAt time.Time
	seenCount   int
	symbol      keeper.Symbol
}

// retryRecord is the immutable-append single-leg recovery ledger entry: the
// originally-intended pair of venues for a symbol, plus how many recovery
// attempts have been made. Once derived it is never
// re-derived from current funding rates.
type retryRecord struct {
	symbol        keeper.Symbol
	existingVenue keeper.VenueID
	missingVenue  keeper.VenueID
	retryCount    int
}

// Guardian runs the fixed-interval sweep and exposes SingleLegRecovery /
// SingleLegClose for external callers (the Scheduler, on detecting a
// singleton position).
type Guardian struct {
	adapters  map[keeper.VenueID]venue.Adapter
	registry  *lockregistry.Registry
	predictor predictor.Predictor
	clock     keeper.Clock
	cfg       Config
	logger    *observability.Logger
	metrics   *observability.MetricsProvider
	anomalies *observability.AnomalyLogger

	mu         sync.Mutex
	untracked  map[string]*untrackedEntry // key: venue|orderID
	retryLedger map[string]*retryRecord   // key: existingVenue|symbol
}

// New constructs a Guardian over the closed adapter table.
func New(adapters map[keeper.VenueID]venue.Adapter, registry *lockregistry.Registry, pred predictor.Predictor, clock keeper.Clock, cfg Config, logger *observability.Logger) *Guardian {
	return &Guardian{
		adapters:    adapters,
		registry:    registry,
		predictor:   pred,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
		anomalies:   observability.NewAnomalyLogger(logger),
		untracked:   make(map[string]*untrackedEntry),
		retryLedger: make(map[string]*retryRecord),
	}
}

// SetMetrics wires a Prometheus-backed metrics provider; nil (the default)
// makes every recording call a no-op.
func (g *Guardian) SetMetrics(mp *observability.MetricsProvider) {
	g.metrics = mp
}

func untrackedKey(venueID keeper.VenueID, orderID string) string {
	return string(venueID) + "|" + orderID
}

func retryKey(existingVenue keeper.VenueID, symbol keeper.Symbol) string {
	return string(existingVenue) + "|" + string(symbol.Normalize())
}

// Tick runs one full sweep: orphan sweep, thread health, zombie sweep
//. The Scheduler calls this on the fixed 30s interval and
// skips the next tick if one is still running.
func (g *Guardian) Tick(ctx context.Context) {
	ctx, span := otel.Tracer("guardian").Start(ctx, "guardian.tick")
	defer span.End()

	g.orphanSweep(ctx)
	g.threadHealth(ctx)
	g.zombieSweep(ctx)
}

// orphanSweep cancels venue orders with no corresponding lock registry
// record, after two/three-cycle confirmation to avoid racing a
// just-placed, not-yet-registered order.
func (g *Guardian) orphanSweep(ctx context.Context) {
	now := g.clock.Now()
	seen := make(map[string]bool)

	for venueID, adapter := range g.adapters {
		open, err := adapter.GetOpenOrders(ctx, "")
		if err != nil {
			g.logger.Warn(ctx, "guardian: orphan sweep failed to list open orders", map[string]interface{}{"venue": string(venueID), "error": err.Error()})
			observability.RecordError(ctx, err)
			continue
		}
		for _, o := range open {
			tracked := g.isTrackedOrder(venueID, o.Symbol, o.VenueOrderID)
			if tracked {
				continue
			}
			k := untrackedKey(venueID, o.VenueOrderID)
			seen[k] = true

			g.mu.Lock()
			entry, ok := g.untracked[k]
			if !ok {
				entry = &untrackedEntry{firstSeenAt: now, seenCount: 0, symbol: o.Symbol}
				g.untracked[k] = entry
			}
			entry.seenCount++
			count := entry.seenCount
			age := now.Sub(entry.firstSeenAt)
			g.mu.Unlock()

			if count >= g.cfg.OrphanConfirmCycles || age > g.cfg.OrphanConfirmAge {
				if _, err := adapter.CancelOrder(ctx, o.VenueOrderID, o.Symbol); err != nil {
					g.logger.Warn(ctx, "guardian: orphan cancel failed", map[string]interface{}{"venue": string(venueID), "order_id": o.VenueOrderID, "error": err.Error()})
				} else {
					g.logger.Info(ctx, "guardian: cancelled orphan order", map[string]interface{}{"venue": string(venueID), "order_id": o.VenueOrderID})
					if g.metrics != nil {
						g.metrics.RecordOrphanSweep(ctx, string(venueID))
					}
				}
				g.mu.Lock()
				delete(g.untracked, k)
				g.mu.Unlock()
			}
		}
	}

	// purge untracked entries no longer observed on the venue
	g.mu.Lock()
	for k := range g.untracked {
		if !seen[k] {
			delete(g.untracked, k)
		}
	}
	g.mu.Unlock()
}

func (g *Guardian) isTrackedOrder(venueID keeper.VenueID, symbol keeper.Symbol, orderID string) bool {
	for _, side := range []keeper.Side{keeper.SideLong, keeper.SideShort} {
		if rec, ok := g.registry.Get(venueID, symbol, side); ok && rec.OrderID == orderID {
			return true
		}
	}
	return false
}

// threadHealth walks every known thread and acts on asymmetric fills per the
// escalation ladder. It must read each thread's full record set via
// GetByThread rather than grouping GetAllActiveOrders' snapshot: a filled
// leg is terminal and so drops out of the active-orders view the instant it
// fills, which would make every thread look symmetric (all-filled or
// none-filled) and silently disable the ladder.
func (g *Guardian) threadHealth(ctx context.Context) {
	now := g.clock.Now()
	for _, threadID := range g.registry.AllThreadIDs() {
		all := g.registry.GetByThread(threadID)
		oldest := now
		for _, rec := range all {
			if rec.CreatedAt.Before(oldest) {
				oldest = rec.CreatedAt
			}
		}
		age := now.Sub(oldest)
		if age < g.cfg.MinAge {
			continue
		}

		filled, laggards := splitByStatus(all)
		if len(filled) == 0 || len(laggards) == 0 {
			continue // symmetric: all filled, or none filled yet
		}

		for _, lag := range laggards {
			g.repairLaggard(ctx, threadID, lag, age)
		}
	}
}

// splitByStatus partitions a thread's records into filled legs and legs
// still genuinely in flight. CANCELLED/FAILED records are neither: they are
// terminal but not a fill, so they're excluded from laggards rather than
// re-escalated as if still live.
func splitByStatus(records []lockregistry.Record) (filled, laggards []lockregistry.Record) {
	for _, r := range records {
		switch r.Status {
		case lockregistry.StatusFilled:
			filled = append(filled, r)
		case lockregistry.StatusPlacing, lockregistry.StatusWaitingFill:
			laggards = append(laggards, r)
		}
	}
	return filled, laggards
}

// repairLaggard applies the escalation ladder to one lagging leg.
func (g *Guardian) repairLaggard(ctx context.Context, threadID string, lag lockregistry.Record, age time.Duration) {
	adapter, ok := g.adapters[lag.Venue]
	if !ok {
		return
	}

	switch {
	case age < g.cfg.AggressiveAge:
		return // [45s, 90s): keep waiting
	case age < g.cfg.MarketOrderAge:
		// [90s, 120s): improve price, cancel-and-replace at mark +/- 0.2%
		mark, err := adapter.GetMarkPrice(ctx, lag.Symbol)
		if err != nil {
			g.logger.Warn(ctx, "guardian: price-improve mark lookup failed", map[string]interface{}{"thread_id": threadID, "error": err.Error()})
			return
		}
		slip := decimal.NewFromFloat(0.002)
		var newPrice decimal.Decimal
		if lag.Side == keeper.SideLong {
			newPrice = mark.Mul(decimal.NewFromInt(1).Add(slip))
		} else {
			newPrice = mark.Mul(decimal.NewFromInt(1).Sub(slip))
		}
		g.cancelAndReplace(ctx, adapter, threadID, lag, newPrice, keeper.TimeInForceGTC, keeper.OrderTypeLimit)
	default:
		// >=120s: force market, cancel and resubmit as IOC
		g.cancelAndReplace(ctx, adapter, threadID, lag, decimal.Zero, keeper.TimeInForceIOC, keeper.OrderTypeMarket)
	}
}

// cancelAndReplace modifies a laggard in place when the adapter supports it,
// otherwise cancels and resubmits. The old record is force-cleared before
// the replacement is registered: RegisterOrderPlacing refuses a key that
// still holds a non-terminal record, and cancelling on the venue doesn't by
// itself update the registry's view of that record. The replacement keeps
// the original threadID so the thread-health ladder keeps tracking it as
// the same leg across retries rather than starting a fresh, unaged thread.
func (g *Guardian) cancelAndReplace(ctx context.Context, adapter venue.Adapter, threadID string, lag lockregistry.Record, price decimal.Decimal, tif keeper.TimeInForce, orderType keeper.OrderType) {
	if modifier, ok := adapter.(venue.OrderModifier); ok && orderType == keeper.OrderTypeLimit {
		req := keeper.OrderRequest{Symbol: lag.Symbol, Side: lag.Side, Type: orderType, Size: lag.Size, Price: price, TimeInForce: tif}
		if _, err := modifier.ModifyOrder(ctx, lag.OrderID, req); err == nil {
			return
		}
	}

	if _, err := adapter.CancelOrder(ctx, lag.OrderID, lag.Symbol); err != nil {
		g.logger.Warn(ctx, "guardian: cancel-and-replace: cancel failed", map[string]interface{}{"order_id": lag.OrderID, "error": err.Error()})
	}
	g.registry.ForceClearOrder(lag.Venue, lag.Symbol, lag.Side)

	resp, err := adapter.PlaceOrder(ctx, keeper.OrderRequest{
		Symbol: lag.Symbol, Side: lag.Side, Type: orderType, Size: lag.Size, Price: price, TimeInForce: tif, ReduceOnly: false,
	})
	if err != nil {
		g.logger.Warn(ctx, "guardian: cancel-and-replace: resubmit failed", map[string]interface{}{"venue": string(lag.Venue), "error": err.Error()})
		return
	}
	if _, err := g.registry.RegisterOrderPlacing(resp.VenueOrderID, lag.Symbol, lag.Venue, lag.Side, threadID, lag.Size, price); err != nil {
		g.logger.Warn(ctx, "guardian: failed to register replacement order", map[string]interface{}{"error": err.Error()})
	}
}

// zombieSweep reconciles any registry record older than ZombieTimeout
// against the venue.
func (g *Guardian) zombieSweep(ctx context.Context) {
	now := g.clock.Now()
	for _, rec := range g.registry.GetAllActiveOrders() {
		if now.Sub(rec.CreatedAt) < g.cfg.ZombieTimeout {
			continue
		}
		adapter, ok := g.adapters[rec.Venue]
		if !ok {
			continue
		}
		status, err := adapter.GetOrderStatus(ctx, rec.OrderID, rec.Symbol)
		if err == nil && status.Status == keeper.OrderStatusFilled {
			g.registry.UpdateOrderStatus(rec.Venue, rec.Symbol, rec.Side, lockregistry.StatusFilled, rec.OrderID)
			continue
		}
		if _, err := adapter.CancelOrder(ctx, rec.OrderID, rec.Symbol); err != nil {
			g.logger.Warn(ctx, "guardian: zombie cancel failed", map[string]interface{}{"order_id": rec.OrderID, "error": err.Error()})
		}
		g.registry.ForceClearOrder(rec.Venue, rec.Symbol, rec.Side)
		g.anomalies.LogAnomaly(ctx, "zombie_record_cleared", string(rec.Venue), string(rec.Symbol), "warning", map[string]interface{}{
			"order_id": rec.OrderID, "age": now.Sub(rec.CreatedAt).String(),
		})
	}
}

// SingleLegRecovery attempts to open the missing leg for a lone position
//. Returns false once MaxRetries is exhausted; the
// Scheduler then escalates to SingleLegClose.
func (g *Guardian) SingleLegRecovery(ctx context.Context, lonePosition keeper.Position) (bool, error) {
	k := retryKey(lonePosition.Venue, lonePosition.Symbol)

	g.mu.Lock()
	rec, ok := g.retryLedger[k]
	g.mu.Unlock()

	if !ok {
		missingVenue, err := g.deriveMissingVenue(ctx, lonePosition)
		if err != nil {
			return false, err
		}
		if missingVenue == lonePosition.Venue {
			return false, fmt.Errorf("guardian: bug: derived missing venue equals existing position venue %s", lonePosition.Venue)
		}
		rec = &retryRecord{symbol: lonePosition.Symbol, existingVenue: lonePosition.Venue, missingVenue: missingVenue}
		g.mu.Lock()
		g.retryLedger[k] = rec
		g.mu.Unlock()
	}

	if rec.missingVenue == lonePosition.Venue {
		return false, fmt.Errorf("guardian: bug: retry record missing venue equals existing position venue %s", lonePosition.Venue)
	}

	if rec.retryCount >= g.cfg.MaxRetries {
		g.anomalies.LogAnomaly(ctx, "single_leg_recovery_exhausted", string(lonePosition.Venue), string(lonePosition.Symbol), "critical", map[string]interface{}{
			"retry_count": rec.retryCount,
		})
		return false, nil
	}

	adapter, ok := g.adapters[rec.missingVenue]
	if !ok {
		return false, fmt.Errorf("guardian: no adapter for missing venue %s", rec.missingVenue)
	}

	missingSide := lonePosition.Side.Closing()
	open, err := adapter.GetOpenOrders(ctx, lonePosition.Symbol)
	if err != nil {
		return false, err
	}
	if len(open) > 0 {
		return true, nil // any open order for the symbol on the missing venue counts as pending (its side is not checked); do nothing this cycle
	}

	mark, err := adapter.GetMarkPrice(ctx, lonePosition.Symbol)
	if err != nil {
		return false, err
	}

	resp, err := adapter.PlaceOrder(ctx, keeper.OrderRequest{
		Symbol: lonePosition.Symbol, Side: missingSide, Type: keeper.OrderTypeLimit,
		Size: lonePosition.Size, Price: mark, TimeInForce: keeper.TimeInForceGTC,
	})
	if err != nil {
		return false, err
	}

	threadID := fmt.Sprintf("recover-%s-%s", lonePosition.Symbol, lonePosition.Venue)
	if _, err := g.registry.RegisterOrderPlacing(resp.VenueOrderID, lonePosition.Symbol, rec.missingVenue, missingSide, threadID, lonePosition.Size, mark); err != nil {
		g.logger.Warn(ctx, "guardian: failed to register recovery order", map[string]interface{}{"error": err.Error()})
	}

	g.mu.Lock()
	rec.retryCount++
	g.mu.Unlock()

	return true, nil
}

// deriveMissingVenue asks the predictor which two venues this symbol was
// meant to be paired across, and returns whichever isn't the existing
// position's venue.
func (g *Guardian) deriveMissingVenue(ctx context.Context, lonePosition keeper.Position) (keeper.VenueID, error) {
	rates, err := g.predictor.CompareFundingRates(ctx, lonePosition.Symbol)
	if err != nil {
		return "", err
	}
	longVenue, shortVenue, err := predictor.BestPair(rates)
	if err != nil {
		return "", err
	}
	if longVenue == lonePosition.Venue {
		return shortVenue, nil
	}
	return longVenue, nil
}

// SingleLegClose escalates a recovery-exhausted single leg to a flat close
//: cancel pending orders for this symbol on every
// other venue, then close the position with a reduce-only LIMIT at mark.
func (g *Guardian) SingleLegClose(ctx context.Context, lonePosition keeper.Position) error {
	for venueID, adapter := range g.adapters {
		if venueID == lonePosition.Venue {
			continue
		}
		if _, err := adapter.CancelAllOrders(ctx, lonePosition.Symbol); err != nil {
			g.logger.Warn(ctx, "guardian: single-leg close: cancel on other venue failed", map[string]interface{}{"venue": string(venueID), "error": err.Error()})
		}
	}

	adapter, ok := g.adapters[lonePosition.Venue]
	if !ok {
		return fmt.Errorf("guardian: no adapter for venue %s", lonePosition.Venue)
	}
	mark, err := adapter.GetMarkPrice(ctx, lonePosition.Symbol)
	if err != nil {
		return err
	}
	_, err = adapter.PlaceOrder(ctx, keeper.OrderRequest{
		Symbol: lonePosition.Symbol, Side: lonePosition.Side.Closing(), Type: keeper.OrderTypeLimit,
		Size: lonePosition.Size, Price: mark, TimeInForce: keeper.TimeInForceGTC, ReduceOnly: true,
	})
	return err
}

// HandleFillEvent dispatches a terminal fill/cancel event delivered by
// websocket directly to the registry, bypassing the next tick. The side
// isn't carried on the wire event itself, so it's recovered from whichever
// registry record the venue order id already belongs to.
func (g *Guardian) HandleFillEvent(venueID keeper.VenueID, update keeper.OrderResponse) {
	if !update.Status.IsTerminal() {
		return
	}
	rec, ok := g.registry.FindByOrderID(venueID, update.VenueOrderID)
	if !ok {
		return
	}
	status := lockregistry.StatusCancelled
	if update.Status == keeper.OrderStatusFilled || update.Status == keeper.OrderStatusPartiallyFilled {
		status = lockregistry.StatusFilled
	}
	g.registry.UpdateOrderStatus(venueID, rec.Symbol, rec.Side, status, update.VenueOrderID)
}
