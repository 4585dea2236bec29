// Package reconcile implements the Reconciliation Engine: a fixed 5s-tick
// loop that refreshes actual positions, classifies each tracked expectation
// against reality, flags hedge-pair drift, and cleans up stale expectations.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/ai-agentic-browser/internal/keeper"
	"github.com/ai-agentic-browser/internal/venue"
	"github.com/ai-agentic-browser/pkg/observability"
)

// Classification is the per-expectation drift verdict.
type Classification string

const (
	Matched      Classification = "MATCHED"
	NoFill       Classification = "NO_FILL"
	PartialFill  Classification = "PARTIAL_FILL"
	Overfill     Classification = "OVERFILL"
)

// Expectation is a tracked fill expectation: the size the engine expects to
// see on (venue, symbol, side) once an order placed at createdAt fills.
type Expectation struct {
	Venue     keeper.VenueID
	Symbol    keeper.Symbol
	Side      keeper.Side
	Expected  decimal.Decimal
	OrderID   string
	CreatedAt time.Time
	Verified  bool
	verifiedAt time.Time
}

type expectationKey struct {
	venue  keeper.VenueID
	symbol keeper.Symbol
	side   keeper.Side
}

// DriftEvent records a hedge-pair imbalance discovered during reconciliation
//; the Scheduler decides whether to rebalance.
type DriftEvent struct {
	LongVenue        keeper.VenueID
	ShortVenue       keeper.VenueID
	Symbol           keeper.Symbol
	Imbalance        decimal.Decimal
	ImbalancePercent decimal.Decimal
	LargerIsLong     bool
}

// Config tunes reconciliation thresholds.
type Config struct {
	MatchedTolerance    decimal.Decimal // 0.02
	NoFillAge           time.Duration   // 60s
	PartialFillCeiling  decimal.Decimal // 0.95
	OverfillFloor       decimal.Decimal // 1.05
	ImbalanceThreshold  decimal.Decimal // 0.05
	RebalanceMinExcess  decimal.Decimal // 0.01
	VerifiedTTL         time.Duration   // 60s
	UnverifiedTTL       time.Duration   // 5m
}

// DefaultConfig returns the reconciliation engine's default thresholds.
func DefaultConfig() Config {
	return Config{
		MatchedTolerance:   decimal.NewFromFloat(0.02),
		NoFillAge:          60 * time.Second,
		PartialFillCeiling: decimal.NewFromFloat(0.95),
		OverfillFloor:      decimal.NewFromFloat(1.05),
		ImbalanceThreshold: decimal.NewFromFloat(0.05),
		RebalanceMinExcess: decimal.NewFromFloat(0.01),
		VerifiedTTL:        60 * time.Second,
		UnverifiedTTL:      5 * time.Minute,
	}
}

// RegisteredPair is a tracked cross-venue delta-neutral pair, used for the
// hedge-pair balance check.
type RegisteredPair struct {
	Symbol     keeper.Symbol
	LongVenue  keeper.VenueID
	ShortVenue keeper.VenueID
}

// TickResult summarizes one reconciliation pass.
type TickResult struct {
	Actuals     map[keeper.VenueID][]keeper.Position
	Classified  map[string]Classification
	Drifts      []DriftEvent
	Cancelled   []Expectation
	Overfilled  []Expectation
}

// Engine is the reconciliation loop's state.
type Engine struct {
	adapters map[keeper.VenueID]venue.Adapter
	clock    keeper.Clock
	cfg      Config
	logger   *observability.Logger

	mu           sync.Mutex
	expectations map[expectationKey]*Expectation
	pairs        []RegisteredPair

	metrics *observability.MetricsProvider
}

// SetMetrics attaches a metrics provider after construction, so New's
// existing call sites don't need updating. Safe to call with nil.
func (e *Engine) SetMetrics(mp *observability.MetricsProvider) {
	e.metrics = mp
}

// New constructs a reconciliation Engine over the closed adapter table.
func New(adapters map[keeper.VenueID]venue.Adapter, clock keeper.Clock, cfg Config, logger *observability.Logger) *Engine {
	return &Engine{
		adapters:     adapters,
		clock:        clock,
		cfg:          cfg,
		logger:       logger,
		expectations: make(map[expectationKey]*Expectation),
	}
}

// RegisterExpectation tracks a new expected fill, called by the Executor/
// Scheduler right after placing an order.
func (e *Engine) RegisterExpectation(exp Expectation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exp.Symbol = exp.Symbol.Normalize()
	k := expectationKey{venue: exp.Venue, symbol: exp.Symbol, side: exp.Side}
	e.expectations[k] = &exp
}

// RegisterPair tracks a cross-venue delta-neutral pair for the hedge-pair
// balance check.
func (e *Engine) RegisterPair(p RegisteredPair) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p.Symbol = p.Symbol.Normalize()
	e.pairs = append(e.pairs, p)
}

// Tick runs one reconciliation pass.
func (e *Engine) Tick(ctx context.Context) TickResult {
	ctx, span := otel.Tracer("reconcile").Start(ctx, "reconcile.tick")
	defer span.End()

	actuals := e.refreshActuals(ctx)
	classified, cancels, overfills := e.classifyExpectations(ctx, actuals)
	drifts := e.checkHedgePairs(ctx, actuals)
	e.cleanup()

	return TickResult{
		Actuals:    actuals,
		Classified: classified,
		Drifts:     drifts,
		Cancelled:  cancels,
		Overfilled: overfills,
	}
}

// refreshActuals fetches positions from every venue in parallel, discarding
// dust.
func (e *Engine) refreshActuals(ctx context.Context) map[keeper.VenueID][]keeper.Position {
	result := make(map[keeper.VenueID][]keeper.Position)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for venueID, adapter := range e.adapters {
		wg.Add(1)
		go func(venueID keeper.VenueID, adapter venue.Adapter) {
			defer wg.Done()
			positions, err := adapter.GetPositions(ctx)
			if err != nil {
				e.logger.Warn(ctx, "reconcile: actuals refresh failed", map[string]interface{}{"venue": string(venueID), "error": err.Error()})
				observability.RecordError(ctx, err)
				return
			}
			kept := make([]keeper.Position, 0, len(positions))
			for _, p := range positions {
				if !p.IsDust() {
					kept = append(kept, p)
				}
			}
			mu.Lock()
			result[venueID] = kept
			mu.Unlock()
		}(venueID, adapter)
	}
	wg.Wait()
	return result
}

func findActual(actuals map[keeper.VenueID][]keeper.Position, venueID keeper.VenueID, symbol keeper.Symbol) (decimal.Decimal, bool) {
	for _, p := range actuals[venueID] {
		if p.Symbol.Normalize() == symbol.Normalize() {
			return p.Size, true
		}
	}
	return decimal.Zero, false
}

// classifyExpectations compares each tracked expectation to reality.
func (e *Engine) classifyExpectations(ctx context.Context, actuals map[keeper.VenueID][]keeper.Position) (map[string]Classification, []Expectation, []Expectation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	classified := make(map[string]Classification)
	var cancels, overfills []Expectation
	now := e.clock.Now()

	for _, exp := range e.expectations {
		actual, found := findActual(actuals, exp.Venue, exp.Symbol)
		label := string(exp.Venue) + "|" + string(exp.Symbol) + "|" + string(exp.Side)

		var class Classification
		switch {
		case exp.Expected.IsZero():
			class = Matched
		case !found || actual.IsZero():
			if now.Sub(exp.CreatedAt) > e.cfg.NoFillAge {
				class = NoFill
			} else {
				class = PartialFill
			}
		default:
			ratio := actual.Div(exp.Expected)
			delta := actual.Sub(exp.Expected).Abs().Div(exp.Expected)
			switch {
			case delta.LessThan(e.cfg.MatchedTolerance):
				class = Matched
			case ratio.LessThan(e.cfg.PartialFillCeiling):
				class = PartialFill
			case ratio.GreaterThan(e.cfg.OverfillFloor):
				class = Overfill
			default:
				class = Matched
			}
		}

		classified[label] = class
		switch class {
		case Matched:
			exp.Verified = true
			exp.verifiedAt = now
		case NoFill:
			cancels = append(cancels, *exp)
			e.cancelOrder(ctx, exp)
		case Overfill:
			overfills = append(overfills, *exp)
			e.logger.Warn(ctx, "reconcile: overfill detected, alerting (no auto-unwind)", map[string]interface{}{
				"venue": string(exp.Venue), "symbol": string(exp.Symbol), "expected": exp.Expected.String(),
			})
		}
	}
	return classified, cancels, overfills
}

// cancelOrder is the one state-changing action the engine takes directly,
// used to clear a NO_FILL order once it has aged out.
func (e *Engine) cancelOrder(ctx context.Context, exp *Expectation) {
	adapter, ok := e.adapters[exp.Venue]
	if !ok || exp.OrderID == "" {
		return
	}
	if _, err := adapter.CancelOrder(ctx, exp.OrderID, exp.Symbol); err != nil {
		e.logger.Warn(ctx, "reconcile: no-fill cancel failed", map[string]interface{}{"order_id": exp.OrderID, "error": err.Error()})
	}
}

// checkHedgePairs computes per-pair imbalance and records drift events for
// pairs exceeding the threshold.
func (e *Engine) checkHedgePairs(ctx context.Context, actuals map[keeper.VenueID][]keeper.Position) []DriftEvent {
	e.mu.Lock()
	pairs := append([]RegisteredPair(nil), e.pairs...)
	e.mu.Unlock()

	var drifts []DriftEvent
	for _, pair := range pairs {
		longSize, lok := findActual(actuals, pair.LongVenue, pair.Symbol)
		shortSize, sok := findActual(actuals, pair.ShortVenue, pair.Symbol)
		if !lok || !sok {
			continue
		}
		imbalance := longSize.Sub(shortSize).Abs()
		avg := longSize.Add(shortSize).Div(decimal.NewFromInt(2))
		if avg.IsZero() {
			continue
		}
		pct := imbalance.Div(avg)
		if pct.LessThanOrEqual(e.cfg.ImbalanceThreshold) {
			continue
		}
		largerIsLong := longSize.GreaterThan(shortSize)
		drifts = append(drifts, DriftEvent{
			LongVenue: pair.LongVenue, ShortVenue: pair.ShortVenue, Symbol: pair.Symbol,
			Imbalance: imbalance, ImbalancePercent: pct, LargerIsLong: largerIsLong,
		})
		if e.metrics != nil {
			e.metrics.RecordReconcileDrift(ctx, string(pair.Symbol), largerIsLong)
		}
	}
	return drifts
}

// RebalanceOrder computes the venue and reduce-only order needed to correct
// a drift event, or a zero venue and nil request if the excess is too small
// to act on.
func RebalanceOrder(d DriftEvent, longSize, shortSize decimal.Decimal) (keeper.VenueID, *keeper.OrderRequest) {
	larger := longSize
	venueID := d.LongVenue
	side := keeper.SideLong
	if !d.LargerIsLong {
		larger = shortSize
		venueID = d.ShortVenue
		side = keeper.SideShort
	}
	if larger.IsZero() {
		return "", nil
	}
	excessRatio := d.Imbalance.Div(larger)
	threshold := decimal.NewFromFloat(0.01)
	if excessRatio.LessThanOrEqual(threshold) {
		return "", nil
	}
	return venueID, &keeper.OrderRequest{
		Symbol:     d.Symbol,
		Side:       side.Closing(),
		Type:       keeper.OrderTypeLimit,
		Size:       d.Imbalance,
		ReduceOnly: true,
	}
}

// cleanup deletes verified expectations older than VerifiedTTL, and
// unverified ones older than UnverifiedTTL.
func (e *Engine) cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	for k, exp := range e.expectations {
		if exp.Verified && now.Sub(exp.verifiedAt) > e.cfg.VerifiedTTL {
			delete(e.expectations, k)
			continue
		}
		if !exp.Verified && now.Sub(exp.CreatedAt) > e.cfg.UnverifiedTTL {
			e.logger.Warn(context.Background(), "reconcile: dropping stale unverified expectation", map[string]interface{}{
				"venue": string(exp.Venue), "symbol": string(exp.Symbol),
			})
			delete(e.expectations, k)
		}
	}
}
