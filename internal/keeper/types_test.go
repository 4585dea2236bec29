package keeper

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSymbolIdempotentAndEquivalent(t *testing.T) {
	variants := []string{"ETH", "ETHUSDT", "ETH-PERP", "ETH-USD", "ETHUSDC"}
	for _, v := range variants {
		norm := NormalizeSymbol(v)
		assert.Equal(t, Symbol("ETH"), norm, "variant %q", v)
		assert.Equal(t, norm, norm.Normalize(), "idempotence for %q", v)
	}
}

func TestOrderRequestValidate(t *testing.T) {
	base := OrderRequest{Symbol: "ETH", Side: SideLong, Size: decimal.NewFromInt(1)}

	t.Run("zero size rejected", func(t *testing.T) {
		r := base
		r.Size = decimal.Zero
		require.Error(t, r.Validate())
	})

	t.Run("limit requires price", func(t *testing.T) {
		r := base
		r.Type = OrderTypeLimit
		require.Error(t, r.Validate())
		r.Price = decimal.NewFromInt(100)
		require.NoError(t, r.Validate())
	})

	t.Run("stop requires stop price", func(t *testing.T) {
		r := base
		r.Type = OrderTypeStopLoss
		require.Error(t, r.Validate())
		r.StopPrice = decimal.NewFromInt(90)
		require.NoError(t, r.Validate())
	})

	t.Run("reduce only permitted on any type", func(t *testing.T) {
		r := base
		r.Type = OrderTypeMarket
		r.ReduceOnly = true
		require.NoError(t, r.Validate())
	})
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired} {
		assert.True(t, s.IsTerminal())
		assert.False(t, s.CanTransition(OrderStatusSubmitted))
	}
	assert.False(t, OrderStatusPending.IsTerminal())
	assert.True(t, OrderStatusPending.CanTransition(OrderStatusSubmitted))
}

func TestIsBalancedPair(t *testing.T) {
	long := Position{Venue: VenueHyperliquid, Symbol: "ETH", Side: SideLong, Size: decimal.NewFromFloat(1.0)}
	short := Position{Venue: VenueLighter, Symbol: "ETHUSDT", Side: SideShort, Size: decimal.NewFromFloat(1.02)}
	assert.True(t, IsBalancedPair(long, short))

	sameVenue := short
	sameVenue.Venue = VenueHyperliquid
	assert.False(t, IsBalancedPair(long, sameVenue))

	tooImbalanced := short
	tooImbalanced.Size = decimal.NewFromFloat(2.0)
	assert.False(t, IsBalancedPair(long, tooImbalanced))
}

func TestFakeClockAdvance(t *testing.T) {
	start, err := time.Parse(time.RFC3339, "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	c := NewFakeClock(start)
	assert.Equal(t, start, c.Now())
	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
}
