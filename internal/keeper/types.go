// Package keeper holds the domain primitives shared by every component of
// the delta-neutral perpetual-futures keeper: venue identifiers, normalized
// symbols, order/position value types, and the state machines that govern
// them.
package keeper

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// VenueID is a closed enum of the derivatives venues the keeper can trade on.
// Equality is plain Go `==`, so comparisons are always total.
type VenueID string

const (
	VenueHyperliquid VenueID = "hyperliquid"
	VenueLighter     VenueID = "lighter"
	VenueVertex      VenueID = "vertex"
)

// AllVenues lists every venue the keeper knows how to construct an adapter
// for.
var AllVenues = []VenueID{VenueHyperliquid, VenueLighter, VenueVertex}

func (v VenueID) Valid() bool {
	switch v {
	case VenueHyperliquid, VenueLighter, VenueVertex:
		return true
	default:
		return false
	}
}

// Symbol is a normalized asset code: bare ticker, upper-case, stripped of
// quote-currency and perp suffixes. Two symbols compare equal iff their
// normalizations match, so always construct them via NormalizeSymbol.
type Symbol string

// suffixes to strip, longest first so "USDT" doesn't shadow "-PERP" parsing.
var normalizeSuffixes = []string{"-PERP", "-USD", "USDT", "USDC", "PERP", "USD"}

// NormalizeSymbol strips the recognized quote/perp suffixes and upper-cases
// the remainder; symbols with
// multi-suffix or venue-specific formats (e.g. "HYPE-SPOT") are not covered
// and the adapter boundary must flag them rather than guess (open question,
// explicit separators).
func NormalizeSymbol(raw string) Symbol {
	s := strings.ToUpper(strings.TrimSpace(raw))
	for {
		trimmed := false
		for _, suf := range normalizeSuffixes {
			if strings.HasSuffix(s, suf) && len(s) > len(suf) {
				s = strings.TrimSuffix(s, suf)
				trimmed = true
			}
		}
		if !trimmed {
			break
		}
	}
	return Symbol(s)
}

// Normalize re-applies NormalizeSymbol; idempotent by construction
// (NormalizeSymbol(NormalizeSymbol(s)) == NormalizeSymbol(s)).
func (s Symbol) Normalize() Symbol {
	return NormalizeSymbol(string(s))
}

func (s Symbol) String() string { return string(s) }

// Side is a position/order direction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Closing returns the opposite side, used to derive the reduce-only closing
// leg of a position.
func (s Side) Closing() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// OrderType is the venue-agnostic order type.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
)

// TimeInForce controls how long an order rests before being cancelled.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus is the venue-agnostic order lifecycle state.
//
//	PENDING -> SUBMITTED -> (PARTIALLY_FILLED)* -> (FILLED|CANCELLED|REJECTED|EXPIRED)
//
// The last four are terminal; IsTerminal reports membership, and
// CanTransition enforces that the graph never moves out of a terminal state.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is legal. Terminal
// states never transition further; PARTIALLY_FILLED may only be reached from
// PENDING/SUBMITTED/itself.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return true
}

// OrderRequest is the venue-agnostic order placement request.
type OrderRequest struct {
	Symbol        Symbol
	Side          Side
	Type          OrderType
	Size          decimal.Decimal
	Price         decimal.Decimal // required for LIMIT
	StopPrice     decimal.Decimal // required for STOP_LOSS/TAKE_PROFIT
	TimeInForce   TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

// Validate enforces the core order invariants: size > 0, LIMIT implies a
// price, stop types imply a stop price.
func (r OrderRequest) Validate() error {
	if r.Size.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order request: size must be > 0, got %s", r.Size)
	}
	if !r.Side.Valid() {
		return fmt.Errorf("order request: invalid side %q", r.Side)
	}
	if r.Type == OrderTypeLimit && r.Price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order request: LIMIT order requires price > 0")
	}
	if (r.Type == OrderTypeStopLoss || r.Type == OrderTypeTakeProfit) && r.StopPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order request: %s requires stop price > 0", r.Type)
	}
	return nil
}

// OrderResponse is the venue-agnostic order placement/status result.
// Value semantics: callers that need to mutate fields should produce a new
// OrderResponse via WithStatus rather than mutating in place.
type OrderResponse struct {
	VenueOrderID string
	Symbol       Symbol
	Status       OrderStatus
	FilledSize   decimal.Decimal
	AvgPrice     decimal.Decimal
	Err          error
}

// Success reports whether the order placement/status call itself succeeded
// (not REJECTED and no transport error) — independent of whether the order
// has filled yet.
func (r OrderResponse) Success() bool {
	return r.Err == nil && r.Status != OrderStatusRejected
}

// WithStatus returns a copy of r with Status (and optionally FilledSize/AvgPrice)
// updated, preserving value semantics for order records.
func (r OrderResponse) WithStatus(status OrderStatus, filled, avgPrice decimal.Decimal) OrderResponse {
	r.Status = status
	r.FilledSize = filled
	r.AvgPrice = avgPrice
	return r
}

// Position is an immutable snapshot of a venue position.
type Position struct {
	Venue            VenueID
	Symbol           Symbol
	Side             Side
	Size             decimal.Decimal // always > 0; direction carried by Side
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         decimal.Decimal
	LiquidationPrice decimal.Decimal
	MarginUsed       decimal.Decimal
}

// Value returns mark price * size.
func (p Position) Value() decimal.Decimal {
	return p.MarkPrice.Mul(p.Size)
}

// SignedSize returns Size with a sign matching Side (positive for LONG,
// negative for SHORT) — useful for netting legs of a pair.
func (p Position) SignedSize() decimal.Decimal {
	if p.Side == SideShort {
		return p.Size.Neg()
	}
	return p.Size
}

// dustThreshold is the minimum |size| for a position to be considered real
// rather than dust, used by the reconciliation actuals refresh.
var dustThreshold = decimal.NewFromFloat(0.0001)

func (p Position) IsDust() bool {
	return p.Size.Abs().LessThan(dustThreshold)
}

// IsDelta-neutral pair tolerance: |size_long - size_short| <= 5%*avg.
const PairImbalanceTolerance = 0.05

// IsBalancedPair reports whether two opposite-side positions on different
// venues form a delta-neutral pair within tolerance.
func IsBalancedPair(long, short Position) bool {
	if long.Venue == short.Venue {
		return false
	}
	if long.Side != SideLong || short.Side != SideShort {
		return false
	}
	if long.Symbol.Normalize() != short.Symbol.Normalize() {
		return false
	}
	avg := long.Size.Add(short.Size).Div(decimal.NewFromInt(2))
	if avg.IsZero() {
		return true
	}
	imbalance := long.Size.Sub(short.Size).Abs().Div(avg)
	return imbalance.LessThanOrEqual(decimal.NewFromFloat(PairImbalanceTolerance))
}
