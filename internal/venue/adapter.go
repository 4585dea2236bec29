// Package venue defines the uniform perpetual-trading contract every
// exchange adapter implements, plus the shared building
// blocks (rate limiting, TTL caches, typed errors) every concrete adapter
// under venue/<name> is built from.
package venue

import (
	"context"

	"github.com/ai-agentic-browser/internal/keeper"
	"github.com/shopspring/decimal"
)

// Adapter is the venue-agnostic capability set the rest of the keeper
// depends on. One implementation lives under each venue/<name> package; the
// scheduler wires a closed VenueID -> Adapter table at startup.
type Adapter interface {
	Venue() keeper.VenueID

	PlaceOrder(ctx context.Context, req keeper.OrderRequest) (keeper.OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string, symbol keeper.Symbol) (bool, error)
	CancelAllOrders(ctx context.Context, symbol keeper.Symbol) (int, error)
	GetOrderStatus(ctx context.Context, orderID string, symbol keeper.Symbol) (keeper.OrderResponse, error)

	GetPositions(ctx context.Context) ([]keeper.Position, error)
	GetPosition(ctx context.Context, symbol keeper.Symbol) (*keeper.Position, error)
	GetMarkPrice(ctx context.Context, symbol keeper.Symbol) (decimal.Decimal, error)

	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetEquity(ctx context.Context) (decimal.Decimal, error)
	GetOpenOrders(ctx context.Context, symbol keeper.Symbol) ([]keeper.OrderResponse, error)

	IsReady(ctx context.Context) bool
	TestConnection(ctx context.Context) error
}

// OrderModifier is an optional capability: adapters that support in-place
// modify should implement it so callers can avoid a cancel+replace
// round-trip. Absence is handled with a type assertion at the call site.
type OrderModifier interface {
	ModifyOrder(ctx context.Context, orderID string, req keeper.OrderRequest) (keeper.OrderResponse, error)
}

// FillSubscriber is an optional capability: adapters with a native
// order-update stream implement it so terminal fill/cancel events reach the
// Guardian immediately instead of waiting for the next tick. A venue with no
// such stream (poll-only) simply doesn't implement it; callers detect
// support with a type assertion.
type FillSubscriber interface {
	SubscribeFills(ctx context.Context) (<-chan keeper.OrderResponse, error)
}
