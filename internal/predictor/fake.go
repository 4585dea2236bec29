package predictor

import (
	"context"
	"sync"

	"github.com/ai-agentic-browser/internal/keeper"
)

// Fake is a deterministic Predictor for tests: rates are seeded explicitly
// rather than computed, so Guardian single-leg recovery tests can assert on
// a known "best pair" derivation.
type Fake struct {
	mu    sync.Mutex
	rates map[keeper.Symbol][]VenueRate
}

func NewFake() *Fake {
	return &Fake{rates: make(map[keeper.Symbol][]VenueRate)}
}

// SetRates seeds the rates CompareFundingRates returns for symbol.
func (f *Fake) SetRates(symbol keeper.Symbol, rates []VenueRate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates[symbol.Normalize()] = rates
}

func (f *Fake) CompareFundingRates(ctx context.Context, symbol keeper.Symbol) ([]VenueRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rates, ok := f.rates[symbol.Normalize()]
	if !ok {
		return nil, errNotEnoughRates
	}
	out := make([]VenueRate, len(rates))
	copy(out, rates)
	return out, nil
}
