// Package executor implements the Hedged Executor: opening or closing a
// delta-neutral pair across two venues, one slice at a time, with fill
// polling, imbalance abort, and best-effort rollback.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ai-agentic-browser/internal/keeper"
	"github.com/ai-agentic-browser/internal/lockregistry"
	"github.com/ai-agentic-browser/internal/reconcile"
	"github.com/ai-agentic-browser/internal/venue"
	"github.com/ai-agentic-browser/pkg/observability"
)

// Config tunes the executor's slicing and fill-waiting behavior. Field names
// and sensible defaults.
type Config struct {
	NumberOfSlices       int
	SliceFillTimeout     time.Duration
	FillCheckInterval    time.Duration
	MaxImbalancePercent  decimal.Decimal // per-slice abort threshold, e.g. 0.10
	OverallMaxImbalance  decimal.Decimal // whole-operation tolerance, e.g. 0.02
	InterSliceSleep      time.Duration
}

// DefaultConfig returns the executor's default tuning.
func DefaultConfig() Config {
	return Config{
		NumberOfSlices:      5,
		SliceFillTimeout:    30 * time.Second,
		FillCheckInterval:   2 * time.Second,
		MaxImbalancePercent: decimal.NewFromFloat(0.10),
		OverallMaxImbalance: decimal.NewFromFloat(0.02),
		InterSliceSleep:     500 * time.Millisecond,
	}
}

// VenueOrdering decides which of a venue pair is "harder to fill" and should
// receive the first leg"). The rule is
// stable for a given pair and supplied by config, not re-derived per call.
type VenueOrdering interface {
	FirstLeg(a, b keeper.VenueID) keeper.VenueID
}

// StaticOrdering always places the leg on Lighter first when present,
// otherwise preserves the caller's (long, short) order — the default rule
// named explicitly by StaticOrdering.
type StaticOrdering struct{}

func (StaticOrdering) FirstLeg(a, b keeper.VenueID) keeper.VenueID {
	if a == keeper.VenueLighter || b == keeper.VenueLighter {
		return keeper.VenueLighter
	}
	return a
}

// Executor runs hedged open/close operations across two venue adapters.
type Executor struct {
	adapters  map[keeper.VenueID]venue.Adapter
	registry  *lockregistry.Registry
	clock     keeper.Clock
	ordering  VenueOrdering
	cfg       Config
	logger    *observability.Logger
	metrics   *observability.MetricsProvider
	reconcile *reconcile.Engine
}

// New constructs an Executor over the closed adapter table.
func New(adapters map[keeper.VenueID]venue.Adapter, registry *lockregistry.Registry, clock keeper.Clock, cfg Config, logger *observability.Logger) *Executor {
	return &Executor{
		adapters: adapters,
		registry: registry,
		clock:    clock,
		ordering: StaticOrdering{},
		cfg:      cfg,
		logger:   logger,
	}
}

// SetMetrics wires a Prometheus-backed metrics provider; nil (the default)
// makes every recording call a no-op.
func (e *Executor) SetMetrics(mp *observability.MetricsProvider) {
	e.metrics = mp
}

// SetReconcile wires the reconciliation engine so every leg placed here
// registers an expectation the engine can classify against reality on its
// own tick; nil (the default) skips registration.
func (e *Executor) SetReconcile(engine *reconcile.Engine) {
	e.reconcile = engine
}

// Request describes a hedged operation: open or close a pair on
// (longVenue, shortVenue) for symbol/size, reduce-only when closing.
type Request struct {
	Symbol     keeper.Symbol
	LongVenue  keeper.VenueID
	ShortVenue keeper.VenueID
	Size       decimal.Decimal
	LongPrice  decimal.Decimal
	ShortPrice decimal.Decimal
	ReduceOnly bool
	ThreadID   string // generated if empty
}

// LegResult is one leg's outcome.
type LegResult struct {
	Venue      keeper.VenueID
	Side       keeper.Side
	Requested  decimal.Decimal
	Filled     decimal.Decimal
	OrderID    string
	Err        error
}

// Result is the overall outcome of a hedged operation.
type Result struct {
	ThreadID       string
	Success        bool
	AbortReason    string
	CompletedSlices int
	Slices         []SliceResult
}

// SliceResult is one slice's per-leg outcome.
type SliceResult struct {
	Long  LegResult
	Short LegResult
}

// Run executes the full multi-slice hedged operation.
func (e *Executor) Run(ctx context.Context, req Request) (result Result) {
	if req.ThreadID == "" {
		req.ThreadID = fmt.Sprintf("thread-%s-%s", req.Symbol, uuid.NewString())
	}
	n := e.cfg.NumberOfSlices
	if n < 1 {
		n = 1
	}
	sliceSize := req.Size.Div(decimal.NewFromInt(int64(n)))

	result = Result{ThreadID: req.ThreadID, Slices: make([]SliceResult, 0, n)}

	totalLongFilled := decimal.Zero
	totalShortFilled := decimal.Zero

	start := e.clock.Now()
	if e.metrics != nil {
		e.metrics.IncrementActiveThreads(ctx, 1)
		defer e.metrics.IncrementActiveThreads(ctx, -1)
		defer func() {
			outcome := "failure"
			if result.Success {
				outcome = "success"
			}
			e.metrics.RecordHedgeExecution(ctx, outcome, e.clock.Now().Sub(start))
		}()
	}

	for i := 0; i < n; i++ {
		longPrice, shortPrice := req.LongPrice, req.ShortPrice
		if i > 0 {
			if mark, err := e.refreshMark(ctx, req.LongVenue, req.Symbol); err == nil {
				longPrice = mark
			}
			if mark, err := e.refreshMark(ctx, req.ShortVenue, req.Symbol); err == nil {
				shortPrice = mark
			}
			time.Sleep(e.cfg.InterSliceSleep)
		}

		slice := e.runSlice(ctx, req, req.ThreadID, sliceSize, longPrice, shortPrice)
		result.Slices = append(result.Slices, slice)

		totalLongFilled = totalLongFilled.Add(slice.Long.Filled)
		totalShortFilled = totalShortFilled.Add(slice.Short.Filled)

		if slice.Long.Filled.IsZero() || slice.Short.Filled.IsZero() {
			result.AbortReason = "slice yielded zero fill on one leg"
			return e.finish(result, i+1, totalLongFilled, totalShortFilled, req.Size)
		}

		imbalance := slice.Long.Filled.Sub(slice.Short.Filled).Abs().Div(sliceSize)
		if imbalance.GreaterThan(e.cfg.MaxImbalancePercent) {
			result.AbortReason = fmt.Sprintf("slice imbalance %s exceeds max %s", imbalance, e.cfg.MaxImbalancePercent)
			return e.finish(result, i+1, totalLongFilled, totalShortFilled, req.Size)
		}

		result.CompletedSlices = i + 1
	}

	return e.finish(result, result.CompletedSlices, totalLongFilled, totalShortFilled, req.Size)
}

func (e *Executor) finish(result Result, completed int, totalLong, totalShort, totalSize decimal.Decimal) Result {
	result.CompletedSlices = completed
	if result.AbortReason != "" {
		result.Success = false
		return result
	}
	if totalSize.IsZero() {
		result.Success = completed == e.cfg.NumberOfSlices
		return result
	}
	overallImbalance := totalLong.Sub(totalShort).Abs().Div(totalSize)
	result.Success = completed == e.cfg.NumberOfSlices && overallImbalance.LessThan(e.cfg.OverallMaxImbalance)
	if !result.Success && result.AbortReason == "" {
		result.AbortReason = fmt.Sprintf("overall imbalance %s exceeds tolerance %s", overallImbalance, e.cfg.OverallMaxImbalance)
	}
	return result
}

func (e *Executor) refreshMark(ctx context.Context, venueID keeper.VenueID, symbol keeper.Symbol) (decimal.Decimal, error) {
	adapter, ok := e.adapters[venueID]
	if !ok {
		return decimal.Zero, fmt.Errorf("executor: no adapter for venue %s", venueID)
	}
	return adapter.GetMarkPrice(ctx, symbol)
}

// runSlice implements the single-slice hedge-opening algorithm.
func (e *Executor) runSlice(ctx context.Context, req Request, threadID string, size, longPrice, shortPrice decimal.Decimal) SliceResult {
	firstVenue := e.ordering.FirstLeg(req.LongVenue, req.ShortVenue)
	firstIsLong := firstVenue == req.LongVenue

	var firstSide, secondSide keeper.Side
	var firstVenueID, secondVenueID keeper.VenueID
	var firstPrice, secondPrice decimal.Decimal
	if firstIsLong {
		firstSide, secondSide = keeper.SideLong, keeper.SideShort
		firstVenueID, secondVenueID = req.LongVenue, req.ShortVenue
		firstPrice, secondPrice = longPrice, shortPrice
	} else {
		firstSide, secondSide = keeper.SideShort, keeper.SideLong
		firstVenueID, secondVenueID = req.ShortVenue, req.LongVenue
		firstPrice, secondPrice = shortPrice, longPrice
	}

	first := e.placeAndWait(ctx, threadID, firstVenueID, req.Symbol, firstSide, size, firstPrice, req.ReduceOnly)

	halfThreshold := size.Mul(decimal.NewFromFloat(0.5))
	if first.Filled.LessThan(halfThreshold) {
		e.cancelRemainder(ctx, firstVenueID, req.Symbol, first.OrderID)
		empty := LegResult{Venue: secondVenueID, Side: secondSide, Requested: size}
		return e.assemble(req, firstIsLong, first, empty)
	}

	second := e.placeAndWait(ctx, threadID, secondVenueID, req.Symbol, secondSide, first.Filled, secondPrice, req.ReduceOnly)

	if second.Filled.IsZero() {
		e.rollback(ctx, threadID, firstVenueID, req.Symbol, firstSide, first.Filled, firstPrice)
	} else if second.Filled.LessThan(first.Filled) {
		e.cancelRemainder(ctx, secondVenueID, req.Symbol, second.OrderID)
	}

	return e.assemble(req, firstIsLong, first, second)
}

func (e *Executor) assemble(req Request, firstIsLong bool, first, second LegResult) SliceResult {
	if firstIsLong {
		return SliceResult{Long: first, Short: second}
	}
	return SliceResult{Long: second, Short: first}
}

// placeAndWait submits a LIMIT GTC leg, registers it, and polls until
// terminal or sliceFillTimeoutMs elapses.
func (e *Executor) placeAndWait(ctx context.Context, threadID string, venueID keeper.VenueID, symbol keeper.Symbol, side keeper.Side, size, price decimal.Decimal, reduceOnly bool) LegResult {
	adapter, ok := e.adapters[venueID]
	if !ok {
		return LegResult{Venue: venueID, Side: side, Requested: size, Err: fmt.Errorf("executor: no adapter for venue %s", venueID)}
	}

	resp, err := adapter.PlaceOrder(ctx, keeper.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        keeper.OrderTypeLimit,
		Size:        size,
		Price:       price,
		TimeInForce: keeper.TimeInForceGTC,
		ReduceOnly:  reduceOnly,
	})
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordOrderPlacement(ctx, string(venueID), string(side), "rejected")
		}
		return LegResult{Venue: venueID, Side: side, Requested: size, Err: err}
	}
	if e.metrics != nil {
		e.metrics.RecordOrderPlacement(ctx, string(venueID), string(side), "submitted")
	}
	placedAt := e.clock.Now()

	rec, regErr := e.registry.RegisterOrderPlacing(resp.VenueOrderID, symbol, venueID, side, threadID, size, price)
	if regErr != nil {
		e.logger.Warn(ctx, "executor: failed to register leg", map[string]interface{}{"venue": string(venueID), "error": regErr.Error()})
	} else {
		e.registry.UpdateOrderStatus(venueID, symbol, side, lockregistry.StatusWaitingFill, rec.OrderID)
	}
	if e.reconcile != nil {
		e.reconcile.RegisterExpectation(reconcile.Expectation{
			Venue: venueID, Symbol: symbol, Side: side, Expected: size, OrderID: resp.VenueOrderID, CreatedAt: placedAt,
		})
	}

	deadline := placedAt.Add(e.cfg.SliceFillTimeout)
	for {
		status, err := adapter.GetOrderStatus(ctx, resp.VenueOrderID, symbol)
		if err != nil {
			// fill-waiting fallback: compare position size to expected
			if pos, perr := adapter.GetPosition(ctx, symbol); perr == nil && pos != nil {
				tolerance := size.Mul(decimal.NewFromFloat(0.05))
				if pos.Size.Sub(size).Abs().LessThanOrEqual(tolerance) {
					e.registry.UpdateOrderStatus(venueID, symbol, side, lockregistry.StatusFilled, resp.VenueOrderID)
					if e.metrics != nil {
						e.metrics.RecordOrderFillLatency(ctx, string(venueID), e.clock.Now().Sub(placedAt))
					}
					return LegResult{Venue: venueID, Side: side, Requested: size, Filled: pos.Size, OrderID: resp.VenueOrderID}
				}
			}
		} else if status.Status.IsTerminal() {
			recStatus := lockregistry.StatusFailed
			if status.Status == keeper.OrderStatusFilled || status.Status == keeper.OrderStatusPartiallyFilled {
				recStatus = lockregistry.StatusFilled
				if e.metrics != nil {
					e.metrics.RecordOrderFillLatency(ctx, string(venueID), e.clock.Now().Sub(placedAt))
				}
			} else if status.Status == keeper.OrderStatusCancelled {
				recStatus = lockregistry.StatusCancelled
			}
			e.registry.UpdateOrderStatus(venueID, symbol, side, recStatus, resp.VenueOrderID)
			return LegResult{Venue: venueID, Side: side, Requested: size, Filled: status.FilledSize, OrderID: resp.VenueOrderID}
		} else if status.Status == keeper.OrderStatusPartiallyFilled {
			// keep polling; record the latest filled size in case the deadline hits
			resp.FilledSize = status.FilledSize
		}

		if e.clock.Now().After(deadline) {
			e.cancelRemainder(ctx, venueID, symbol, resp.VenueOrderID)
			e.registry.UpdateOrderStatus(venueID, symbol, side, lockregistry.StatusCancelled, resp.VenueOrderID)
			return LegResult{Venue: venueID, Side: side, Requested: size, Filled: resp.FilledSize, OrderID: resp.VenueOrderID}
		}

		select {
		case <-ctx.Done():
			return LegResult{Venue: venueID, Side: side, Requested: size, Filled: resp.FilledSize, OrderID: resp.VenueOrderID, Err: ctx.Err()}
		case <-time.After(e.cfg.FillCheckInterval):
		}
	}
}

func (e *Executor) cancelRemainder(ctx context.Context, venueID keeper.VenueID, symbol keeper.Symbol, orderID string) {
	adapter, ok := e.adapters[venueID]
	if !ok || orderID == "" {
		return
	}
	if _, err := adapter.CancelOrder(ctx, orderID, symbol); err != nil {
		e.logger.Warn(ctx, "executor: cancel remainder failed", map[string]interface{}{"venue": string(venueID), "order_id": orderID, "error": err.Error()})
	}
}

// rollback places a reduce-only opposite-side LIMIT on the first-leg venue
// for the first-leg filled amount, best-effort.
func (e *Executor) rollback(ctx context.Context, threadID string, venueID keeper.VenueID, symbol keeper.Symbol, filledSide keeper.Side, filledSize, price decimal.Decimal) {
	if filledSize.IsZero() {
		return
	}
	adapter, ok := e.adapters[venueID]
	if !ok {
		return
	}
	opposite := filledSide.Closing()
	_, err := adapter.PlaceOrder(ctx, keeper.OrderRequest{
		Symbol:      symbol,
		Side:        opposite,
		Type:        keeper.OrderTypeLimit,
		Size:        filledSize,
		Price:       price,
		TimeInForce: keeper.TimeInForceGTC,
		ReduceOnly:  true,
	})
	if err != nil {
		e.logger.Error(ctx, "executor: rollback failed, single-leg exposure remains", err, map[string]interface{}{
			"venue": string(venueID), "symbol": string(symbol), "thread_id": threadID,
		})
	}
}
