// Package unwinder implements the Withdrawal Unwinder: given a USD amount to
// free, it produces a sequence of reduce-only orders that, once filled,
// leave the book still delta-neutral.
package unwinder

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ai-agentic-browser/internal/keeper"
)

// Pair is a cross-venue delta-neutral position pair under consideration for
// reduction.
type Pair struct {
	Symbol     keeper.Symbol
	Long       keeper.Position
	Short      keeper.Position
}

func (p Pair) combinedPnl() decimal.Decimal {
	return p.Long.UnrealizedPnL.Add(p.Short.UnrealizedPnL)
}

func (p Pair) maxDeltaNeutralSize() decimal.Decimal {
	if p.Long.Size.LessThan(p.Short.Size) {
		return p.Long.Size
	}
	return p.Short.Size
}

// PlannedOrder is one reduce-only order the plan needs submitted, tagged
// with a thread id so the Guardian treats any asymmetric fill the same way
// it would for an opening operation.
type PlannedOrder struct {
	Venue    keeper.VenueID
	Symbol   keeper.Symbol
	Side     keeper.Side
	Size     decimal.Decimal
	Price    decimal.Decimal
	ThreadID string
	FullClose bool
}

// Plan is the unwinder's output: a sequence of orders plus whether the full
// requested amount could be freed.
type Plan struct {
	Orders    []PlannedOrder
	Freed     decimal.Decimal
	Requested decimal.Decimal
	Residual  decimal.Decimal
	Partial   bool
}

// Partition splits a flat list of positions into cross-venue pairs and unpaired leftovers. A symbol
// with more than two positions picks the first qualifying opposite-side
// match; the remainder falls through to unpaired.
func Partition(positions []keeper.Position) ([]Pair, []keeper.Position) {
	bySymbol := make(map[keeper.Symbol][]keeper.Position)
	for _, p := range positions {
		norm := p.Symbol.Normalize()
		bySymbol[norm] = append(bySymbol[norm], p)
	}

	var pairs []Pair
	var unpaired []keeper.Position

	for _, group := range bySymbol {
		used := make([]bool, len(group))
		for i := range group {
			if used[i] || group[i].Side != keeper.SideLong {
				continue
			}
			for j := range group {
				if used[j] || i == j || group[j].Side != keeper.SideShort {
					continue
				}
				if keeper.IsBalancedPair(group[i], group[j]) {
					pairs = append(pairs, Pair{Symbol: group[i].Symbol.Normalize(), Long: group[i], Short: group[j]})
					used[i], used[j] = true, true
					break
				}
			}
		}
		for i, p := range group {
			if !used[i] {
				unpaired = append(unpaired, p)
			}
		}
	}

	return pairs, unpaired
}

// Build computes the full unwind plan for freeing amountUSD.
// markPrices must report the mark price for every venue/symbol touched;
// callers typically source this from the market state cache.
func Build(amountUSD decimal.Decimal, positions []keeper.Position, markPrice func(venue keeper.VenueID, symbol keeper.Symbol) (decimal.Decimal, bool)) Plan {
	pairs, unpaired := Partition(positions)

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].combinedPnl().LessThan(pairs[j].combinedPnl())
	})

	plan := Plan{Requested: amountUSD}
	remaining := amountUSD

	for _, pair := range pairs {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		longMark, ok1 := markPrice(pair.Long.Venue, pair.Symbol)
		shortMark, ok2 := markPrice(pair.Short.Venue, pair.Symbol)
		if !ok1 || !ok2 || longMark.IsZero() || shortMark.IsZero() {
			continue
		}
		avgMark := longMark.Add(shortMark).Div(decimal.NewFromInt(2))

		for remaining.GreaterThan(decimal.Zero) {
			maxSize := pair.maxDeltaNeutralSize()
			if maxSize.LessThanOrEqual(decimal.Zero) {
				break
			}
			byAmount := remaining.Div(avgMark.Mul(decimal.NewFromInt(2)))
			sizeToReduce := byAmount
			if sizeToReduce.GreaterThan(maxSize) {
				sizeToReduce = maxSize
			}
			if sizeToReduce.LessThanOrEqual(decimal.Zero) {
				break
			}

			fullClose := sizeToReduce.GreaterThanOrEqual(maxSize.Mul(decimal.NewFromFloat(0.99)))
			threadID := "unwind-" + string(pair.Symbol) + "-" + string(pair.Long.Venue) + "-" + string(pair.Short.Venue)

			plan.Orders = append(plan.Orders,
				PlannedOrder{Venue: pair.Long.Venue, Symbol: pair.Symbol, Side: keeper.SideShort, Size: sizeToReduce, Price: longMark, ThreadID: threadID, FullClose: fullClose},
				PlannedOrder{Venue: pair.Short.Venue, Symbol: pair.Symbol, Side: keeper.SideLong, Size: sizeToReduce, Price: shortMark, ThreadID: threadID, FullClose: fullClose},
			)

			freedUSD := sizeToReduce.Mul(avgMark).Mul(decimal.NewFromInt(2))
			remaining = remaining.Sub(freedUSD)
			plan.Freed = plan.Freed.Add(freedUSD)

			// shrink the pair's effective size in-loop so a second partial
			// reduction on the same pair (if still under amountNeeded) sizes
			// correctly against what's left.
			pair.Long.Size = pair.Long.Size.Sub(sizeToReduce)
			pair.Short.Size = pair.Short.Size.Sub(sizeToReduce)

			if fullClose {
				break
			}
		}
	}

	if remaining.GreaterThan(decimal.Zero) {
		sort.Slice(unpaired, func(i, j int) bool {
			return unpaired[i].UnrealizedPnL.LessThan(unpaired[j].UnrealizedPnL)
		})
		for _, pos := range unpaired {
			if remaining.LessThanOrEqual(decimal.Zero) {
				break
			}
			mark, ok := markPrice(pos.Venue, pos.Symbol)
			if !ok || mark.IsZero() {
				continue
			}
			sizeToReduce := remaining.Div(mark)
			if sizeToReduce.GreaterThan(pos.Size) {
				sizeToReduce = pos.Size
			}
			if sizeToReduce.LessThanOrEqual(decimal.Zero) {
				continue
			}
			threadID := "unwind-" + string(pos.Symbol) + "-" + string(pos.Venue)
			plan.Orders = append(plan.Orders, PlannedOrder{
				Venue: pos.Venue, Symbol: pos.Symbol, Side: pos.Side.Closing(), Size: sizeToReduce, Price: mark, ThreadID: threadID,
			})
			freedUSD := sizeToReduce.Mul(mark)
			remaining = remaining.Sub(freedUSD)
			plan.Freed = plan.Freed.Add(freedUSD)
		}
	}

	plan.Residual = remaining
	if remaining.GreaterThan(decimal.Zero) {
		plan.Partial = true
	}
	return plan
}
