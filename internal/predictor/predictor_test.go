package predictor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-agentic-browser/internal/keeper"
)

func TestBestPairPicksWidestSpread(t *testing.T) {
	rates := []VenueRate{
		{Venue: keeper.VenueHyperliquid, PredictedRate: 0.0001},
		{Venue: keeper.VenueLighter, PredictedRate: -0.0003},
		{Venue: keeper.VenueVertex, PredictedRate: 0.0002},
	}

	long, short, err := BestPair(rates)
	require.NoError(t, err)
	assert.Equal(t, keeper.VenueLighter, long, "lowest predicted rate goes long")
	assert.Equal(t, keeper.VenueVertex, short, "highest predicted rate goes short")
}

func TestBestPairErrorsWithFewerThanTwoRates(t *testing.T) {
	_, _, err := BestPair([]VenueRate{{Venue: keeper.VenueHyperliquid, PredictedRate: 0.0001}})
	require.Error(t, err)

	_, _, err = BestPair(nil)
	require.Error(t, err)
}

func TestFakeCompareFundingRatesReturnsSeededCopy(t *testing.T) {
	f := NewFake()
	seeded := []VenueRate{
		{Venue: keeper.VenueHyperliquid, PredictedRate: 0.0001},
		{Venue: keeper.VenueVertex, PredictedRate: 0.0002},
	}
	f.SetRates("ETH-PERP", seeded)

	got, err := f.CompareFundingRates(context.Background(), "ETHUSDT")
	require.NoError(t, err, "symbol normalization must make ETH-PERP and ETHUSDT the same key")
	require.Len(t, got, 2)

	got[0].PredictedRate = 999
	again, _ := f.CompareFundingRates(context.Background(), "ETH-PERP")
	assert.NotEqual(t, float64(999), again[0].PredictedRate, "returned slice must be a defensive copy")
}

func TestFakeCompareFundingRatesErrorsForUnseededSymbol(t *testing.T) {
	f := NewFake()
	_, err := f.CompareFundingRates(context.Background(), "BTC")
	require.Error(t, err)
}
