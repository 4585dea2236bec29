// Package vault holds the event types the external vault stream emits plus
// the consumer contract the Scheduler reads from. The vault system itself is
// external; this package only models the wire shape the core depends on.
package vault

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ai-agentic-browser/internal/keeper"
)

// EventType is the closed set of vault events the Scheduler reacts to.
type EventType string

const (
	EventCapitalDeployed     EventType = "CapitalDeployed"
	EventWithdrawalRequested EventType = "WithdrawalRequested"
	EventEmergencyRecall     EventType = "EmergencyRecall"
	EventImmediateWithdrawal EventType = "ImmediateWithdrawal"
)

// Event is one vault stream message. Not every field applies to every
// EventType; AmountUSD is populated for the withdrawal-shaped events and for
// CapitalDeployed (the amount deployed).
type Event struct {
	Type      EventType
	AmountUSD decimal.Decimal
	Venue     keeper.VenueID // populated for CapitalDeployed: which venue received capital
	Timestamp time.Time
}

// Stream is the consumed vault event source. The Scheduler ranges over
// Events(): withdrawal-shaped events become a withdrawal-unwinder plan and
// CapitalDeployed opens a hedge through the executor; no adapter
// balance-transfer operation is issued. Events are never handled
// inside executor/guardian/reconcile/unwinder themselves.
type Stream interface {
	Events() <-chan Event
	Close() error
}

// NAVReporter is the read-only surface the external NAV reporter consumes
// to aggregate balances across venues.
type NAVReporter interface {
	GetAllBalances(venues []keeper.VenueID) (map[keeper.VenueID]decimal.Decimal, error)
}
