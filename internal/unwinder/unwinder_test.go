package unwinder

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-agentic-browser/internal/keeper"
)

func pos(venue keeper.VenueID, side keeper.Side, size, mark, pnl float64) keeper.Position {
	return keeper.Position{
		Venue:         venue,
		Symbol:        "ETH",
		Side:          side,
		Size:          decimal.NewFromFloat(size),
		MarkPrice:     decimal.NewFromFloat(mark),
		UnrealizedPnL: decimal.NewFromFloat(pnl),
	}
}

func flatMarkPrice(mark float64) func(keeper.VenueID, keeper.Symbol) (decimal.Decimal, bool) {
	return func(keeper.VenueID, keeper.Symbol) (decimal.Decimal, bool) {
		return decimal.NewFromFloat(mark), true
	}
}

func TestPartitionPairsOppositeSidesAcrossVenues(t *testing.T) {
	positions := []keeper.Position{
		pos(keeper.VenueHyperliquid, keeper.SideLong, 1, 2000, 10),
		pos(keeper.VenueVertex, keeper.SideShort, 1, 2000, -5),
	}

	pairs, unpaired := Partition(positions)
	require.Len(t, pairs, 1)
	assert.Empty(t, unpaired)
	assert.Equal(t, keeper.VenueHyperliquid, pairs[0].Long.Venue)
	assert.Equal(t, keeper.VenueVertex, pairs[0].Short.Venue)
}

func TestPartitionLeavesSameSideOrSameVenueUnpaired(t *testing.T) {
	positions := []keeper.Position{
		pos(keeper.VenueHyperliquid, keeper.SideLong, 1, 2000, 10),
		pos(keeper.VenueHyperliquid, keeper.SideShort, 1, 2000, -5),
		pos(keeper.VenueLighter, keeper.SideLong, 2, 2000, 1),
	}

	pairs, unpaired := Partition(positions)
	assert.Empty(t, pairs, "same-venue long/short never forms a cross-venue pair")
	assert.Len(t, unpaired, 3)
}

func TestBuildReducesLowestPnlPairFirst(t *testing.T) {
	positions := []keeper.Position{
		pos(keeper.VenueHyperliquid, keeper.SideLong, 1, 2000, 100),
		pos(keeper.VenueVertex, keeper.SideShort, 1, 2000, 50),

		pos(keeper.VenueLighter, keeper.SideLong, 1, 2000, -30),
		pos(keeper.VenueHyperliquid, keeper.SideShort, 1, 2000, -10),
	}

	plan := Build(decimal.NewFromInt(1000), positions, flatMarkPrice(2000))

	require.NotEmpty(t, plan.Orders)
	firstThread := plan.Orders[0].ThreadID
	assert.Contains(t, firstThread, string(keeper.VenueLighter), "the pair with the lower combined PnL (losing pair) reduces first")
}

func TestBuildReportsPartialWhenPositionsInsufficient(t *testing.T) {
	positions := []keeper.Position{
		pos(keeper.VenueHyperliquid, keeper.SideLong, 1, 100, 0),
		pos(keeper.VenueVertex, keeper.SideShort, 1, 100, 0),
	}

	plan := Build(decimal.NewFromInt(10_000), positions, flatMarkPrice(100))

	assert.True(t, plan.Partial)
	assert.True(t, plan.Residual.GreaterThan(decimal.Zero))
	assert.True(t, plan.Freed.LessThan(plan.Requested))
}

func TestBuildProducesBalancedReduceOnlyLegsPerPair(t *testing.T) {
	positions := []keeper.Position{
		pos(keeper.VenueHyperliquid, keeper.SideLong, 2, 1000, 0),
		pos(keeper.VenueVertex, keeper.SideShort, 2, 1000, 0),
	}

	plan := Build(decimal.NewFromInt(500), positions, flatMarkPrice(1000))

	require.Len(t, plan.Orders, 2)
	longLeg, shortLeg := plan.Orders[0], plan.Orders[1]
	assert.Equal(t, keeper.SideShort, longLeg.Side, "closing the long position requires a SHORT order")
	assert.Equal(t, keeper.SideLong, shortLeg.Side, "closing the short position requires a LONG order")
	assert.True(t, longLeg.Size.Equal(shortLeg.Size), "both legs of a pair reduction must be sized identically to preserve delta-neutrality")
}

func TestBuildFallsBackToUnpairedPositionsWhenNoPairsExist(t *testing.T) {
	positions := []keeper.Position{
		pos(keeper.VenueHyperliquid, keeper.SideLong, 1, 1000, 0),
	}

	plan := Build(decimal.NewFromInt(200), positions, flatMarkPrice(1000))

	require.Len(t, plan.Orders, 1)
	assert.Equal(t, keeper.SideShort, plan.Orders[0].Side)
}

func TestBuildSkipsPairsWithUnknownMarkPrice(t *testing.T) {
	positions := []keeper.Position{
		pos(keeper.VenueHyperliquid, keeper.SideLong, 1, 1000, 0),
		pos(keeper.VenueVertex, keeper.SideShort, 1, 1000, 0),
	}

	noMark := func(keeper.VenueID, keeper.Symbol) (decimal.Decimal, bool) { return decimal.Zero, false }
	plan := Build(decimal.NewFromInt(500), positions, noMark)

	assert.Empty(t, plan.Orders)
	assert.True(t, plan.Partial)
	assert.True(t, plan.Residual.Equal(decimal.NewFromInt(500)))
}
