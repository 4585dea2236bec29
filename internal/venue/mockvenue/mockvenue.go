// Package mockvenue is an in-memory venue.Adapter used by the keeper's own
// tests: configurable fill behavior, per-symbol price tracking, injectable
// failure rate, and a mutex-guarded order book.
package mockvenue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ai-agentic-browser/internal/keeper"
	"github.com/ai-agentic-browser/internal/venue"
)

// FillMode controls how PlaceOrder resolves an order, letting tests drive
// the guardian/reconciliation scenarios exercised by tests (clean fill,
// partial fill, no fill, rejection) without a live venue.
type FillMode int

const (
	FillFull FillMode = iota
	FillPartial
	FillNone
	FillReject
)

// Adapter is a scriptable venue.Adapter for tests.
type Adapter struct {
	mu sync.Mutex

	venueID    keeper.VenueID
	fillMode   FillMode
	partialPct decimal.Decimal // fraction filled when fillMode == FillPartial
	ready      bool

	orders    map[string]*keeper.OrderResponse
	positions map[keeper.Symbol]*keeper.Position
	marks     map[keeper.Symbol]decimal.Decimal
	balance   decimal.Decimal
	equity    decimal.Decimal

	placeErr error // injected failure for the next PlaceOrder call, if set
}

// New constructs a ready mock adapter for the given venue identity that
// fully fills every order by default.
func New(id keeper.VenueID) *Adapter {
	return &Adapter{
		venueID:    id,
		fillMode:   FillFull,
		partialPct: decimal.NewFromFloat(0.5),
		ready:      true,
		orders:     make(map[string]*keeper.OrderResponse),
		positions: make(map[keeper.Symbol]*keeper.Position),
		marks:      make(map[keeper.Symbol]decimal.Decimal),
		balance:    decimal.NewFromInt(100000),
		equity:     decimal.NewFromInt(100000),
	}
}

func (a *Adapter) Venue() keeper.VenueID { return a.venueID }

// SetFillMode changes how subsequent PlaceOrder calls resolve.
func (a *Adapter) SetFillMode(mode FillMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fillMode = mode
}

// SetPartialFillFraction sets the fraction filled under FillPartial.
func (a *Adapter) SetPartialFillFraction(pct decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partialPct = pct
}

// SetReady controls IsReady/TestConnection, for simulating a down venue.
func (a *Adapter) SetReady(ready bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = ready
}

// SetMarkPrice seeds the mark price a GetMarkPrice call returns.
func (a *Adapter) SetMarkPrice(symbol keeper.Symbol, price decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marks[symbol.Normalize()] = price
}

// SetPosition seeds (or clears, with a zero size) a position.
func (a *Adapter) SetPosition(p keeper.Position) {
	a.mu.Lock()
	defer a.mu.Unlock()
	norm := p.Symbol.Normalize()
	if p.Size.IsZero() {
		delete(a.positions, norm)
		return
	}
	p.Symbol = norm
	a.positions[norm] = &p
}

// InjectPlaceOrderError forces the next PlaceOrder call to fail with err.
func (a *Adapter) InjectPlaceOrderError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.placeErr = err
}

func (a *Adapter) PlaceOrder(ctx context.Context, req keeper.OrderRequest) (keeper.OrderResponse, error) {
	if err := req.Validate(); err != nil {
		return keeper.OrderResponse{}, &venue.ExchangeError{Venue: a.venueID, Cause: err}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.placeErr != nil {
		err := a.placeErr
		a.placeErr = nil
		return keeper.OrderResponse{Symbol: req.Symbol, Status: keeper.OrderStatusRejected, Err: err}, err
	}

	orderID := uuid.NewString()
	resp := keeper.OrderResponse{VenueOrderID: orderID, Symbol: req.Symbol}

	switch a.fillMode {
	case FillReject:
		resp.Status = keeper.OrderStatusRejected
		resp.Err = fmt.Errorf("mock venue rejected order")
	case FillNone:
		resp.Status = keeper.OrderStatusSubmitted
	case FillPartial:
		resp.Status = keeper.OrderStatusPartiallyFilled
		resp.FilledSize = req.Size.Mul(a.partialPct)
		resp.AvgPrice = req.Price
	default:
		resp.Status = keeper.OrderStatusFilled
		resp.FilledSize = req.Size
		resp.AvgPrice = req.Price
		a.applyFill(req, resp.FilledSize, resp.AvgPrice)
	}

	a.orders[orderID] = &resp
	return resp, resp.Err
}

// applyFill updates the simulated position book for a filled order. Must be
// called with the lock held.
func (a *Adapter) applyFill(req keeper.OrderRequest, filled, price decimal.Decimal) {
	norm := req.Symbol.Normalize()
	existing, ok := a.positions[norm]
	if !ok {
		a.positions[norm] = &keeper.Position{
			Venue: a.venueID, Symbol: norm, Side: req.Side,
			Size: filled, EntryPrice: price, MarkPrice: price,
		}
		return
	}
	if existing.Side == req.Side {
		existing.Size = existing.Size.Add(filled)
	} else {
		existing.Size = existing.Size.Sub(filled)
		if existing.Size.IsNegative() {
			existing.Side = existing.Side.Closing()
			existing.Size = existing.Size.Abs()
		}
	}
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string, symbol keeper.Symbol) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[orderID]
	if !ok || o.Status.IsTerminal() {
		return false, nil
	}
	o.Status = keeper.OrderStatusCancelled
	return true, nil
}

func (a *Adapter) CancelAllOrders(ctx context.Context, symbol keeper.Symbol) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, o := range a.orders {
		if symbol != "" && o.Symbol.Normalize() != symbol.Normalize() {
			continue
		}
		if !o.Status.IsTerminal() {
			o.Status = keeper.OrderStatusCancelled
			n++
		}
	}
	return n, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string, symbol keeper.Symbol) (keeper.OrderResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[orderID]
	if !ok {
		return keeper.OrderResponse{}, &venue.ExchangeError{Venue: a.venueID, Cause: fmt.Errorf("unknown order %s", orderID)}
	}
	return *o, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]keeper.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]keeper.Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol keeper.Symbol) (*keeper.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[symbol.Normalize()]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (a *Adapter) GetMarkPrice(ctx context.Context, symbol keeper.Symbol) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.marks[symbol.Normalize()]
	if !ok {
		return decimal.Zero, &venue.ExchangeError{Venue: a.venueID, Cause: fmt.Errorf("no mark price seeded for %s", symbol)}
	}
	return p, nil
}

func (a *Adapter) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

func (a *Adapter) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.equity, nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol keeper.Symbol) ([]keeper.OrderResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]keeper.OrderResponse, 0)
	for _, o := range a.orders {
		if o.Status.IsTerminal() {
			continue
		}
		if symbol != "" && o.Symbol.Normalize() != symbol.Normalize() {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (a *Adapter) IsReady(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	a.mu.Lock()
	ready := a.ready
	a.mu.Unlock()
	if !ready {
		return &venue.ExchangeError{Venue: a.venueID, Cause: fmt.Errorf("mock venue down")}
	}
	return nil
}
