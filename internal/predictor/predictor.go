// Package predictor defines the funding-rate predictor contract the keeper
// consumes but does not own. It is used by the opening path to pick the
// widest-spread venue pair and by Guardian single-leg recovery to derive
// which venue pair a now-singleton position was originally meant to hedge
// against.
package predictor

import (
	"context"

	"github.com/ai-agentic-browser/internal/keeper"
)

// VenueRate is one venue's current and predicted funding rate for a symbol.
type VenueRate struct {
	Venue         keeper.VenueID
	CurrentRate   float64
	PredictedRate float64
}

// Predictor exposes compareFundingRates(symbol), the single call the core
// depends on.
type Predictor interface {
	CompareFundingRates(ctx context.Context, symbol keeper.Symbol) ([]VenueRate, error)
}

// BestPair returns the two venues with the widest predicted funding-rate
// spread for symbol: the long leg goes on the venue with the lower predicted
// rate (pays less / receives more), the short leg on the higher. Returns an
// error if fewer than two rates are available.
func BestPair(rates []VenueRate) (longVenue, shortVenue keeper.VenueID, err error) {
	if len(rates) < 2 {
		return "", "", errNotEnoughRates
	}
	lowest, highest := rates[0], rates[0]
	for _, r := range rates[1:] {
		if r.PredictedRate < lowest.PredictedRate {
			lowest = r
		}
		if r.PredictedRate > highest.PredictedRate {
			highest = r
		}
	}
	return lowest.Venue, highest.Venue, nil
}

var errNotEnoughRates = &notEnoughRatesError{}

type notEnoughRatesError struct{}

func (e *notEnoughRatesError) Error() string { return "predictor: fewer than two venue rates available" }
