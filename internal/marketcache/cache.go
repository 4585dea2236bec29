// Package marketcache holds the single shared view of cached positions and
// mark prices across every venue. RefreshAll is single-flighted with a
// hand-rolled mutex + in-flight-channel guard rather than a generic
// singleflight dependency for what is a single call site.
package marketcache

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ai-agentic-browser/internal/keeper"
	"github.com/ai-agentic-browser/internal/venue"
	"github.com/ai-agentic-browser/pkg/observability"
)

// positionKey identifies a cached position.
type positionKey struct {
	venue  keeper.VenueID
	symbol keeper.Symbol
}

// priceKey identifies a cached mark price.
type priceKey struct {
	venue  keeper.VenueID
	symbol keeper.Symbol
}

// Cache is the process-wide market state view. The cache may lag reality but
// never fabricates: an entry only exists once some adapter call actually
// produced it.
type Cache struct {
	mu       sync.RWMutex
	adapters map[keeper.VenueID]venue.Adapter
	logger   *observability.Logger

	positions map[positionKey]keeper.Position
	prices    map[priceKey]decimal.Decimal

	lastUpdateTime time.Time

	refreshMu   sync.Mutex
	refreshing  bool
	refreshDone chan struct{}
}

// New constructs a cache over the given closed adapter table.
func New(adapters map[keeper.VenueID]venue.Adapter, logger *observability.Logger) *Cache {
	return &Cache{
		adapters:  adapters,
		logger:    logger,
		positions: make(map[positionKey]keeper.Position),
		prices:    make(map[priceKey]decimal.Decimal),
	}
}

// RefreshResult summarizes one refreshAll pass.
type RefreshResult struct {
	UpdatedAt time.Time
	Errors    map[keeper.VenueID]error
}

// RefreshAll fetches positions (and, per symbol, mark prices) from every
// venue in parallel, single-flighted so overlapping callers observe one
// in-progress refresh rather than issuing duplicate fetches. A caller that arrives while a refresh is in flight waits for it and
// returns that refresh's UpdatedAt (without its per-venue Errors) rather
// than starting a second one; a caller that arrives after it has finished
// starts a new refresh.
func (c *Cache) RefreshAll(ctx context.Context, symbols []keeper.Symbol) (RefreshResult, error) {
	c.refreshMu.Lock()
	if c.refreshing {
		done := c.refreshDone
		c.refreshMu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return RefreshResult{}, ctx.Err()
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		return RefreshResult{UpdatedAt: c.lastUpdateTime}, nil
	}
	c.refreshing = true
	c.refreshDone = make(chan struct{})
	c.refreshMu.Unlock()

	result := c.doRefresh(ctx, symbols)

	c.refreshMu.Lock()
	c.refreshing = false
	close(c.refreshDone)
	c.refreshMu.Unlock()

	return result, nil
}

func (c *Cache) doRefresh(ctx context.Context, symbols []keeper.Symbol) RefreshResult {
	result := RefreshResult{Errors: make(map[keeper.VenueID]error)}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for id, adapter := range c.adapters {
		wg.Add(1)
		go func(id keeper.VenueID, adapter venue.Adapter) {
			defer wg.Done()
			positions, err := adapter.GetPositions(ctx)
			if err != nil {
				mu.Lock()
				result.Errors[id] = err
				mu.Unlock()
				c.logger.Warn(ctx, "market cache: refresh positions failed", map[string]interface{}{"venue": string(id), "error": err.Error()})
				return
			}
			c.mu.Lock()
			for _, p := range positions {
				c.positions[positionKey{venue: id, symbol: p.Symbol.Normalize()}] = p
			}
			c.mu.Unlock()

			for _, sym := range symbols {
				mark, err := adapter.GetMarkPrice(ctx, sym)
				if err != nil {
					continue
				}
				c.mu.Lock()
				c.prices[priceKey{venue: id, symbol: sym.Normalize()}] = mark
				c.mu.Unlock()
			}
		}(id, adapter)
	}
	wg.Wait()

	c.mu.Lock()
	c.lastUpdateTime = time.Now()
	c.mu.Unlock()
	result.UpdatedAt = c.lastUpdateTime
	return result
}

// Positions returns a snapshot of every cached position on the venue.
func (c *Cache) Positions(venueID keeper.VenueID) []keeper.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]keeper.Position, 0)
	for k, p := range c.positions {
		if k.venue == venueID {
			out = append(out, p)
		}
	}
	return out
}

// Position returns the cached position for (venue, symbol), if any.
func (c *Cache) Position(venueID keeper.VenueID, symbol keeper.Symbol) (keeper.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[positionKey{venue: venueID, symbol: symbol.Normalize()}]
	return p, ok
}

// AllPositions returns every cached position across every venue.
func (c *Cache) AllPositions() []keeper.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]keeper.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out
}

// MarkPrice returns the cached mark price for (venue, symbol).
func (c *Cache) MarkPrice(venueID keeper.VenueID, symbol keeper.Symbol) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[priceKey{venue: venueID, symbol: symbol.Normalize()}]
	return p, ok
}

// UpsertPosition selectively patches a single cached position, used by
// reconciliation to apply drift corrections without a full refresh.
func (c *Cache) UpsertPosition(p keeper.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[positionKey{venue: p.Venue, symbol: p.Symbol.Normalize()}] = p
}

// RemovePosition clears a cached position, e.g. once it closes to dust.
func (c *Cache) RemovePosition(venueID keeper.VenueID, symbol keeper.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, positionKey{venue: venueID, symbol: symbol.Normalize()})
}

// UpsertMarkPrice selectively patches a single cached mark price.
func (c *Cache) UpsertMarkPrice(venueID keeper.VenueID, symbol keeper.Symbol, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[priceKey{venue: venueID, symbol: symbol.Normalize()}] = price
}

// LastUpdateTime reports when the most recent RefreshAll pass finished. It is
// set after every pass, including one in which some venues failed (see
// RefreshResult.Errors).
func (c *Cache) LastUpdateTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdateTime
}
