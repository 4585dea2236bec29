package guardian

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
	"github.com/ai-agentic-browser/internal/predictor"
	"github.com/ai-agentic-browser/internal/venue"
	"github.com/ai-agentic-browser/internal/venue/mockvenue"
	"github.com/ai-agentic-browser/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(config.ObservabilityConfig{ServiceName: "test", LogLevel: "error", LogFormat: "json"})
}

func TestSingleLegRecoveryPlacesMissingLegOnPredictedVenue(t *testing.T) {
	hl := mockvenue.New(keeper.VenueHyperliquid)
	vx := mockvenue.New(keeper.VenueVertex)
	vx.SetMarkPrice("ETH", decimal.NewFromInt(3000))

	adapters := map[keeper.VenueID]venue.Adapter{keeper.VenueHyperliquid: hl, keeper.VenueVertex: vx}
	registry := lockregistry.New(keeper.SystemClock{})
	pred := predictor.NewFake()
	pred.SetRates("ETH", []predictor.VenueRate{
		{Venue: keeper.VenueHyperliquid, PredictedRate: -0.0002},
		{Venue: keeper.VenueVertex, PredictedRate: 0.0003},
	})

	g := New(adapters, registry, pred, keeper.SystemClock{}, DefaultConfig(), testLogger())

	lone := keeper.Position{Venue: keeper.VenueHyperliquid, Symbol: "ETH", Side: keeper.SideLong, Size: decimal.NewFromInt(1)}
	ok, err := g.SingleLegRecovery(context.Background(), lone)
	require.NoError(t, err)
	assert.True(t, ok)

	positions, err := vx.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, keeper.SideShort, positions[0].Side, "the missing leg closes the existing LONG with a SHORT on the other venue")
}

func TestSingleLegRecoveryStopsAfterMaxRetries(t *testing.T) {
	hl := mockvenue.New(keeper.VenueHyperliquid)
	vx := mockvenue.New(keeper.VenueVertex)
	vx.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	vx.SetFillMode(mockvenue.FillNone) // the first recovery order stays open; the second call stops at the MaxRetries check before looking at open orders

	adapters := map[keeper.VenueID]venue.Adapter{keeper.VenueHyperliquid: hl, keeper.VenueVertex: vx}
	registry := lockregistry.New(keeper.SystemClock{})
	pred := predictor.NewFake()
	pred.SetRates("ETH", []predictor.VenueRate{
		{Venue: keeper.VenueHyperliquid, PredictedRate: -0.0002},
		{Venue: keeper.VenueVertex, PredictedRate: 0.0003},
	})

	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	g := New(adapters, registry, pred, keeper.SystemClock{}, cfg, testLogger())

	lone := keeper.Position{Venue: keeper.VenueHyperliquid, Symbol: "ETH", Side: keeper.SideLong, Size: decimal.NewFromInt(1)}

	ok, err := g.SingleLegRecovery(context.Background(), lone)
	require.NoError(t, err)
	assert.True(t, ok, "first attempt places the order and reports in-progress")

	// Second call: retryCount (1) has reached MaxRetries (1), so recovery is
	// reported as exhausted.
	ok, err = g.SingleLegRecovery(context.Background(), lone)
	require.NoError(t, err)
	assert.False(t, ok, "recovery reports exhausted once retryCount reaches MaxRetries")
}

func TestSingleLegCloseCancelsOtherVenuesAndFlattens(t *testing.T) {
	hl := mockvenue.New(keeper.VenueHyperliquid)
	hl.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	hl.SetPosition(keeper.Position{Venue: keeper.VenueHyperliquid, Symbol: "ETH", Side: keeper.SideLong, Size: decimal.NewFromInt(1)})
	vx := mockvenue.New(keeper.VenueVertex)

	adapters := map[keeper.VenueID]venue.Adapter{keeper.VenueHyperliquid: hl, keeper.VenueVertex: vx}
	registry := lockregistry.New(keeper.SystemClock{})
	g := New(adapters, registry, predictor.NewFake(), keeper.SystemClock{}, DefaultConfig(), testLogger())

	lone := keeper.Position{Venue: keeper.VenueHyperliquid, Symbol: "ETH", Side: keeper.SideLong, Size: decimal.NewFromInt(1)}
	err := g.SingleLegClose(context.Background(), lone)
	require.NoError(t, err)

	positions, _ := hl.GetPositions(context.Background())
	for _, p := range positions {
		assert.True(t, p.Size.LessThanOrEqual(decimal.NewFromFloat(0.01)), "SingleLegClose must flatten the lone position")
	}
}

func TestZombieSweepForceClearsStaleUnfilledRecord(t *testing.T) {
	hl := mockvenue.New(keeper.VenueHyperliquid)
	adapters := map[keeper.VenueID]venue.Adapter{keeper.VenueHyperliquid: hl}

	clock := keeper.NewFakeClock(time.Now())
	registry := lockregistry.New(clock)
	rec, err := registry.RegisterOrderPlacing("order-1", "ETH", keeper.VenueHyperliquid, keeper.SideLong, "thread-1", decimal.NewFromInt(1), decimal.NewFromInt(3000))
	require.NoError(t, err)

	cfg := DefaultConfig()
	g := New(adapters, registry, predictor.NewFake(), clock, cfg, testLogger())

	clock.Advance(cfg.ZombieTimeout + time.Second)
	g.Tick(context.Background())

	_, ok := registry.Get(keeper.VenueHyperliquid, "ETH", keeper.SideLong)
	assert.False(t, ok, "a record stuck past ZombieTimeout with no matching terminal venue order must be force-cleared")
	_ = rec
}

func TestThreadHealthEscalatesLaggardEvenAfterSiblingLegFills(t *testing.T) {
	hl := mockvenue.New(keeper.VenueHyperliquid)
	vx := mockvenue.New(keeper.VenueVertex)
	vx.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	vx.SetFillMode(mockvenue.FillNone) // the lagging leg never fills on its own

	adapters := map[keeper.VenueID]venue.Adapter{keeper.VenueHyperliquid: hl, keeper.VenueVertex: vx}
	clock := keeper.NewFakeClock(time.Now())
	registry := lockregistry.New(clock)

	filledRec, err := registry.RegisterOrderPlacing("order-long", "ETH", keeper.VenueHyperliquid, keeper.SideLong, "thread-1", decimal.NewFromInt(1), decimal.NewFromInt(3000))
	require.NoError(t, err)
	registry.UpdateOrderStatus(keeper.VenueHyperliquid, "ETH", keeper.SideLong, lockregistry.StatusFilled, filledRec.OrderID)

	laggardRec, err := registry.RegisterOrderPlacing("order-short", "ETH", keeper.VenueVertex, keeper.SideShort, "thread-1", decimal.NewFromInt(1), decimal.NewFromInt(3000))
	require.NoError(t, err)
	registry.UpdateOrderStatus(keeper.VenueVertex, "ETH", keeper.SideShort, lockregistry.StatusWaitingFill, laggardRec.OrderID)

	cfg := DefaultConfig()
	g := New(adapters, registry, predictor.NewFake(), clock, cfg, testLogger())

	// Past AggressiveAge (price-improve) but short of MarketOrderAge.
	clock.Advance(cfg.AggressiveAge + time.Second)
	g.Tick(context.Background())

	got, ok := registry.Get(keeper.VenueVertex, "ETH", keeper.SideShort)
	require.True(t, ok, "the replacement order must still be tracked under the same key")
	assert.Equal(t, "thread-1", got.ThreadID, "the replacement keeps the original thread id")
	assert.NotEqual(t, laggardRec.OrderID, got.OrderID, "price-improve must have cancelled and resubmitted the laggard")
}

func TestHandleFillEventUpdatesRegistryImmediately(t *testing.T) {
	registry := lockregistry.New(keeper.SystemClock{})
	rec, err := registry.RegisterOrderPlacing("order-1", "ETH", keeper.VenueHyperliquid, keeper.SideLong, "thread-1", decimal.NewFromInt(1), decimal.NewFromInt(3000))
	require.NoError(t, err)

	g := New(map[keeper.VenueID]venue.Adapter{}, registry, predictor.NewFake(), keeper.SystemClock{}, DefaultConfig(), testLogger())

	g.HandleFillEvent(keeper.VenueHyperliquid, keeper.OrderResponse{VenueOrderID: rec.OrderID, Symbol: "ETH", Status: keeper.OrderStatusFilled, FilledSize: decimal.NewFromInt(1)})

	got, ok := registry.Get(keeper.VenueHyperliquid, "ETH", keeper.SideLong)
	require.True(t, ok)
	assert.Equal(t, lockregistry.StatusFilled, got.Status)
}
