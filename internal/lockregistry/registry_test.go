package lockregistry

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-agentic-browser/internal/keeper"
)

func newTestRegistry() (*Registry, *keeper.FakeClock) {
	clock := keeper.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(clock), clock
}

func TestRegisterOrderPlacingRejectsDuplicateActiveKey(t *testing.T) {
	r, _ := newTestRegistry()

	_, err := r.RegisterOrderPlacing("order-1", "ETH-PERP", keeper.VenueHyperliquid, keeper.SideLong, "thread-1", decimal.NewFromInt(1), decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = r.RegisterOrderPlacing("order-2", "ETH-PERP", keeper.VenueHyperliquid, keeper.SideLong, "thread-1", decimal.NewFromInt(1), decimal.NewFromInt(100))
	require.Error(t, err)
}

func TestRegisterOrderPlacingAllowsReentryAfterTerminal(t *testing.T) {
	r, _ := newTestRegistry()

	_, err := r.RegisterOrderPlacing("order-1", "ETH", keeper.VenueVertex, keeper.SideShort, "thread-1", decimal.NewFromInt(2), decimal.NewFromInt(50))
	require.NoError(t, err)

	r.UpdateOrderStatus(keeper.VenueVertex, "ETH", keeper.SideShort, StatusFilled, "order-1")

	_, err = r.RegisterOrderPlacing("order-2", "ETH", keeper.VenueVertex, keeper.SideShort, "thread-2", decimal.NewFromInt(2), decimal.NewFromInt(51))
	require.NoError(t, err, "terminal record must free the key for reuse")
}

func TestConcurrentRegisterOrderPlacingHasExactlyOneWinner(t *testing.T) {
	r, _ := newTestRegistry()

	const attempts = 50
	var wg sync.WaitGroup
	successes := make([]bool, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.RegisterOrderPlacing("order", "SOL", keeper.VenueLighter, keeper.SideLong, "thread", decimal.NewFromInt(1), decimal.NewFromInt(10))
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range successes {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent placer should win the key")
}

func TestUpdateOrderStatusIgnoresTerminalAndMismatchedOrderID(t *testing.T) {
	r, clock := newTestRegistry()

	rec, err := r.RegisterOrderPlacing("order-1", "BTC", keeper.VenueHyperliquid, keeper.SideLong, "thread-1", decimal.NewFromInt(1), decimal.NewFromInt(60000))
	require.NoError(t, err)

	clock.Advance(time.Second)
	r.UpdateOrderStatus(keeper.VenueHyperliquid, "BTC", keeper.SideLong, StatusWaitingFill, "wrong-order-id")
	got, ok := r.Get(keeper.VenueHyperliquid, "BTC", keeper.SideLong)
	require.True(t, ok)
	assert.Equal(t, StatusPlacing, got.Status, "mismatched order id must not move the record")

	r.UpdateOrderStatus(keeper.VenueHyperliquid, "BTC", keeper.SideLong, StatusFilled, rec.OrderID)
	got, _ = r.Get(keeper.VenueHyperliquid, "BTC", keeper.SideLong)
	assert.Equal(t, StatusFilled, got.Status)
	assert.True(t, got.UpdatedAt.After(rec.UpdatedAt))

	r.UpdateOrderStatus(keeper.VenueHyperliquid, "BTC", keeper.SideLong, StatusCancelled, rec.OrderID)
	got, _ = r.Get(keeper.VenueHyperliquid, "BTC", keeper.SideLong)
	assert.Equal(t, StatusFilled, got.Status, "terminal records must never transition again")
}

func TestHasActiveOrderAndGetAllActiveOrders(t *testing.T) {
	r, _ := newTestRegistry()

	assert.False(t, r.HasActiveOrder(keeper.VenueVertex, "ETH", keeper.SideLong))

	_, err := r.RegisterOrderPlacing("order-1", "ETH", keeper.VenueVertex, keeper.SideLong, "thread-1", decimal.NewFromInt(1), decimal.NewFromInt(3000))
	require.NoError(t, err)
	assert.True(t, r.HasActiveOrder(keeper.VenueVertex, "ETH", keeper.SideLong))

	active := r.GetAllActiveOrders()
	require.Len(t, active, 1)
	assert.Equal(t, "order-1", active[0].OrderID)

	r.UpdateOrderStatus(keeper.VenueVertex, "ETH", keeper.SideLong, StatusFailed, "order-1")
	assert.False(t, r.HasActiveOrder(keeper.VenueVertex, "ETH", keeper.SideLong))
	assert.Empty(t, r.GetAllActiveOrders())
}

func TestGetByThreadReturnsActiveAndTerminalRecords(t *testing.T) {
	r, _ := newTestRegistry()

	_, err := r.RegisterOrderPlacing("order-long", "ETH", keeper.VenueHyperliquid, keeper.SideLong, "thread-7", decimal.NewFromInt(1), decimal.NewFromInt(3000))
	require.NoError(t, err)
	_, err = r.RegisterOrderPlacing("order-short", "ETH", keeper.VenueVertex, keeper.SideShort, "thread-7", decimal.NewFromInt(1), decimal.NewFromInt(3000))
	require.NoError(t, err)

	r.UpdateOrderStatus(keeper.VenueHyperliquid, "ETH", keeper.SideLong, StatusFilled, "order-long")

	recs := r.GetByThread("thread-7")
	assert.Len(t, recs, 2)
}

func TestForceClearOrderRemovesRecordOutright(t *testing.T) {
	r, _ := newTestRegistry()

	_, err := r.RegisterOrderPlacing("order-1", "ETH", keeper.VenueLighter, keeper.SideShort, "thread-1", decimal.NewFromInt(1), decimal.NewFromInt(3000))
	require.NoError(t, err)

	r.ForceClearOrder(keeper.VenueLighter, "ETH", keeper.SideShort)

	_, ok := r.Get(keeper.VenueLighter, "ETH", keeper.SideShort)
	assert.False(t, ok)

	_, err = r.RegisterOrderPlacing("order-2", "ETH", keeper.VenueLighter, keeper.SideShort, "thread-2", decimal.NewFromInt(1), decimal.NewFromInt(3000))
	require.NoError(t, err)
}

func TestKeysAreNormalizedAcrossSymbolSpellings(t *testing.T) {
	r, _ := newTestRegistry()

	_, err := r.RegisterOrderPlacing("order-1", "ETH-PERP", keeper.VenueHyperliquid, keeper.SideLong, "thread-1", decimal.NewFromInt(1), decimal.NewFromInt(3000))
	require.NoError(t, err)

	assert.True(t, r.HasActiveOrder(keeper.VenueHyperliquid, "ETHUSDT", keeper.SideLong), "ETH-PERP and ETHUSDT normalize to the same key")
}
