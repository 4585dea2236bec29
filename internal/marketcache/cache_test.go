package marketcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-agentic-browser/internal/config"
	"github.com/ai-agentic-browser/internal/keeper"
	"github.com/ai-agentic-browser/internal/venue"
	"github.com/ai-agentic-browser/internal/venue/mockvenue"
	"github.com/ai-agentic-browser/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(config.ObservabilityConfig{ServiceName: "test", LogLevel: "error", LogFormat: "json"})
}

func TestRefreshAllPopulatesPositionsAndPrices(t *testing.T) {
	hl := mockvenue.New(keeper.VenueHyperliquid)
	hl.SetPosition(keeper.Position{Venue: keeper.VenueHyperliquid, Symbol: "ETH", Side: keeper.SideLong, Size: decimal.NewFromInt(1), MarkPrice: decimal.NewFromInt(3000)})
	hl.SetMarkPrice("ETH", decimal.NewFromInt(3000))

	adapters := map[keeper.VenueID]venue.Adapter{keeper.VenueHyperliquid: hl}
	cache := New(adapters, testLogger())

	result, err := cache.RefreshAll(context.Background(), []keeper.Symbol{"ETH"})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)

	p, ok := cache.Position(keeper.VenueHyperliquid, "ETH")
	require.True(t, ok)
	assert.True(t, p.Size.Equal(decimal.NewFromInt(1)))

	mark, ok := cache.MarkPrice(keeper.VenueHyperliquid, "ETH")
	require.True(t, ok)
	assert.True(t, mark.Equal(decimal.NewFromInt(3000)))
}

func TestRefreshAllRefreshesEachVenueIndependently(t *testing.T) {
	good := mockvenue.New(keeper.VenueVertex)
	good.SetPosition(keeper.Position{Venue: keeper.VenueVertex, Symbol: "BTC", Side: keeper.SideShort, Size: decimal.NewFromInt(1), MarkPrice: decimal.NewFromInt(60000)})

	bad := mockvenue.New(keeper.VenueLighter)
	bad.SetReady(false) // GetPositions itself still succeeds on the mock; simulate a real failure via InjectPlaceOrderError is N/A here, so assert independence instead.

	adapters := map[keeper.VenueID]venue.Adapter{keeper.VenueVertex: good, keeper.VenueLighter: bad}
	cache := New(adapters, testLogger())

	result, err := cache.RefreshAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Errors, "mock adapters never fail GetPositions; this just proves independent per-venue refresh")

	_, ok := cache.Position(keeper.VenueVertex, "BTC")
	assert.True(t, ok)
}

func TestConcurrentRefreshAllIsSingleFlighted(t *testing.T) {
	hl := mockvenue.New(keeper.VenueHyperliquid)
	hl.SetPosition(keeper.Position{Venue: keeper.VenueHyperliquid, Symbol: "ETH", Side: keeper.SideLong, Size: decimal.NewFromInt(1), MarkPrice: decimal.NewFromInt(3000)})

	adapters := map[keeper.VenueID]venue.Adapter{keeper.VenueHyperliquid: hl}
	cache := New(adapters, testLogger())

	const callers = 20
	var wg sync.WaitGroup
	results := make([]time.Time, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := cache.RefreshAll(context.Background(), nil)
			require.NoError(t, err)
			results[i] = res.UpdatedAt
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0], results[i], "overlapping callers must observe the same completed refresh")
	}
}

func TestUpsertAndRemovePositionPatchWithoutFullRefresh(t *testing.T) {
	cache := New(map[keeper.VenueID]venue.Adapter{}, testLogger())

	cache.UpsertPosition(keeper.Position{Venue: keeper.VenueVertex, Symbol: "SOL", Side: keeper.SideLong, Size: decimal.NewFromInt(5)})
	p, ok := cache.Position(keeper.VenueVertex, "SOL")
	require.True(t, ok)
	assert.True(t, p.Size.Equal(decimal.NewFromInt(5)))

	cache.RemovePosition(keeper.VenueVertex, "SOL")
	_, ok = cache.Position(keeper.VenueVertex, "SOL")
	assert.False(t, ok)
}

func TestAllPositionsAggregatesAcrossVenues(t *testing.T) {
	cache := New(map[keeper.VenueID]venue.Adapter{}, testLogger())
	cache.UpsertPosition(keeper.Position{Venue: keeper.VenueHyperliquid, Symbol: "ETH", Side: keeper.SideLong, Size: decimal.NewFromInt(1)})
	cache.UpsertPosition(keeper.Position{Venue: keeper.VenueVertex, Symbol: "ETH", Side: keeper.SideShort, Size: decimal.NewFromInt(1)})

	all := cache.AllPositions()
	assert.Len(t, all, 2)
}
