package executor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-agentic-browser/internal/config"
	"github.com/ai-agentic-browser/internal/keeper"
	"github.com/ai-agentic-browser/internal/lockregistry"
	"github.com/ai-agentic-browser/internal/venue"
	"github.com/ai-agentic-browser/internal/venue/mockvenue"
	"github.com/ai-agentic-browser/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(config.ObservabilityConfig{ServiceName: "test", LogLevel: "error", LogFormat: "json"})
}

func fastConfig() Config {
	return Config{
		NumberOfSlices:      2,
		SliceFillTimeout:    80 * time.Millisecond,
		FillCheckInterval:   5 * time.Millisecond,
		MaxImbalancePercent: decimal.NewFromFloat(0.10),
		OverallMaxImbalance: decimal.NewFromFloat(0.02),
		InterSliceSleep:     time.Millisecond,
	}
}

func newTestExecutor(t *testing.T, long, short *mockvenue.Adapter) *Executor {
	t.Helper()
	adapters := map[keeper.VenueID]venue.Adapter{
		keeper.VenueHyperliquid: long,
		keeper.VenueVertex:      short,
	}
	registry := lockregistry.New(keeper.SystemClock{})
	return New(adapters, registry, keeper.SystemClock{}, fastConfig(), testLogger())
}

func TestRunSucceedsWhenBothLegsFullyFill(t *testing.T) {
	long := mockvenue.New(keeper.VenueHyperliquid)
	short := mockvenue.New(keeper.VenueVertex)
	ex := newTestExecutor(t, long, short)

	result := ex.Run(context.Background(), Request{
		Symbol: "ETH", LongVenue: keeper.VenueHyperliquid, ShortVenue: keeper.VenueVertex,
		Size: decimal.NewFromInt(2), LongPrice: decimal.NewFromInt(3000), ShortPrice: decimal.NewFromInt(3000),
	})

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.CompletedSlices)
	assert.Empty(t, result.AbortReason)
}

func TestRunAbortsOnZeroFillLeg(t *testing.T) {
	long := mockvenue.New(keeper.VenueHyperliquid)
	short := mockvenue.New(keeper.VenueVertex)
	short.SetFillMode(mockvenue.FillNone)
	ex := newTestExecutor(t, long, short)

	result := ex.Run(context.Background(), Request{
		Symbol: "ETH", LongVenue: keeper.VenueHyperliquid, ShortVenue: keeper.VenueVertex,
		Size: decimal.NewFromInt(2), LongPrice: decimal.NewFromInt(3000), ShortPrice: decimal.NewFromInt(3000),
	})

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.AbortReason)
}

func TestRunRollsBackFirstLegWhenSecondLegNeverFills(t *testing.T) {
	// Lighter isn't one of the two venues here, so StaticOrdering falls back
	// to the caller's (long, short) order: long fills first.
	long := mockvenue.New(keeper.VenueHyperliquid)
	short := mockvenue.New(keeper.VenueVertex)
	short.SetFillMode(mockvenue.FillNone)
	ex := newTestExecutor(t, long, short)

	req := Request{
		Symbol: "ETH", LongVenue: keeper.VenueHyperliquid, ShortVenue: keeper.VenueVertex,
		Size: decimal.NewFromInt(2), LongPrice: decimal.NewFromInt(3000), ShortPrice: decimal.NewFromInt(3000),
	}
	result := ex.Run(context.Background(), req)
	require.False(t, result.Success)

	positions, err := long.GetPositions(context.Background())
	require.NoError(t, err)
	for _, p := range positions {
		assert.True(t, p.Size.LessThanOrEqual(decimal.NewFromFloat(0.01)), "rollback should have closed out the filled first leg, got size %s", p.Size)
	}
}

func TestRunAbortsOnExcessiveSliceImbalance(t *testing.T) {
	long := mockvenue.New(keeper.VenueHyperliquid)
	short := mockvenue.New(keeper.VenueVertex)
	short.SetFillMode(mockvenue.FillPartial)
	short.SetPartialFillFraction(decimal.NewFromFloat(0.5))
	ex := newTestExecutor(t, long, short)

	result := ex.Run(context.Background(), Request{
		Symbol: "ETH", LongVenue: keeper.VenueHyperliquid, ShortVenue: keeper.VenueVertex,
		Size: decimal.NewFromInt(2), LongPrice: decimal.NewFromInt(3000), ShortPrice: decimal.NewFromInt(3000),
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.AbortReason, "imbalance")
}

func TestStaticOrderingPrefersLighterFirst(t *testing.T) {
	var o StaticOrdering
	assert.Equal(t, keeper.VenueLighter, o.FirstLeg(keeper.VenueHyperliquid, keeper.VenueLighter))
	assert.Equal(t, keeper.VenueLighter, o.FirstLeg(keeper.VenueLighter, keeper.VenueVertex))
	assert.Equal(t, keeper.VenueHyperliquid, o.FirstLeg(keeper.VenueHyperliquid, keeper.VenueVertex), "falls back to caller order when neither venue is Lighter")
}
