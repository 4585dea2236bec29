// Package lockregistry is the process-wide register of every order the
// keeper has placed, keyed by (venue, symbol, side), plus the logical
// "execution thread" correlation id that groups the legs of a hedged
// operation. It enforces a strict single-active-record-per-key invariant
// through an explicit PLACING/WAITING_FILL/terminal state machine.
package lockregistry

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ai-agentic-browser/internal/keeper"
)

// OrderRecordStatus is the lock registry's own lifecycle, distinct from
// keeper.OrderStatus: it tracks the record's life in the registry, not the
// venue's view of the order.
type OrderRecordStatus string

const (
	StatusPlacing     OrderRecordStatus = "PLACING"
	StatusWaitingFill OrderRecordStatus = "WAITING_FILL"
	StatusFilled      OrderRecordStatus = "FILLED"
	StatusCancelled   OrderRecordStatus = "CANCELLED"
	StatusFailed      OrderRecordStatus = "FAILED"
)

func (s OrderRecordStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Record is one tracked order.
type Record struct {
	OrderID   string
	Venue     keeper.VenueID
	Symbol    keeper.Symbol
	Side      keeper.Side
	ThreadID  string
	Size      decimal.Decimal
	Price     decimal.Decimal
	Status    OrderRecordStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type key struct {
	venue  keeper.VenueID
	symbol keeper.Symbol
	side   keeper.Side
}

// Registry is the process-wide lock registry. Zero value is not usable; use
// New.
type Registry struct {
	mu      sync.Mutex
	records map[key]*Record
	clock   keeper.Clock
}

// New constructs an empty registry using clock for timestamps (a FakeClock
// in tests).
func New(clock keeper.Clock) *Registry {
	return &Registry{
		records: make(map[key]*Record),
		clock:   clock,
	}
}

// RegisterOrderPlacing inserts a new record with status PLACING. It fails if
// a non-terminal record already exists for (venue, symbol, side) — the
// strict serialization point: registering for a (venue, symbol, side) key
// succeeds only if no non-terminal record exists for that key. Concurrent
// attempts must see exactly one winner.
func (r *Registry) RegisterOrderPlacing(orderID string, symbol keeper.Symbol, venueID keeper.VenueID, side keeper.Side, threadID string, size, price decimal.Decimal) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{venue: venueID, symbol: symbol.Normalize(), side: side}
	if existing, ok := r.records[k]; ok && !existing.Status.IsTerminal() {
		return nil, fmt.Errorf("lock registry: active order already exists for venue=%s symbol=%s side=%s", venueID, symbol, side)
	}

	now := r.clock.Now()
	rec := &Record{
		OrderID:   orderID,
		Venue:     venueID,
		Symbol:    symbol.Normalize(),
		Side:      side,
		ThreadID:  threadID,
		Size:      size,
		Price:     price,
		Status:    StatusPlacing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.records[k] = rec
	cp := *rec
	return &cp, nil
}

// UpdateOrderStatus moves a record between PLACING -> WAITING_FILL ->
// (FILLED|CANCELLED|FAILED). A call for a key with no record is a no-op
// (the order may already have been force-cleared).
func (r *Registry) UpdateOrderStatus(venueID keeper.VenueID, symbol keeper.Symbol, side keeper.Side, status OrderRecordStatus, orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{venue: venueID, symbol: symbol.Normalize(), side: side}
	rec, ok := r.records[k]
	if !ok || rec.OrderID != orderID {
		return
	}
	if rec.Status.IsTerminal() {
		return
	}
	rec.Status = status
	rec.UpdatedAt = r.clock.Now()
}

// HasActiveOrder reports whether a non-terminal record exists for the key.
func (r *Registry) HasActiveOrder(venueID keeper.VenueID, symbol keeper.Symbol, side keeper.Side) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key{venue: venueID, symbol: symbol.Normalize(), side: side}]
	return ok && !rec.Status.IsTerminal()
}

// GetAllActiveOrders returns a snapshot of every non-terminal record.
func (r *Registry) GetAllActiveOrders() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0)
	for _, rec := range r.records {
		if !rec.Status.IsTerminal() {
			out = append(out, *rec)
		}
	}
	return out
}

// GetByThread returns every record (active or terminal) sharing threadID,
// used by Guardian thread-health checks.
func (r *Registry) GetByThread(threadID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0)
	for _, rec := range r.records {
		if rec.ThreadID == threadID {
			out = append(out, *rec)
		}
	}
	return out
}

// AllThreadIDs returns the distinct set of thread ids across every record
// (active or terminal), used by Guardian thread-health checks to enumerate
// threads without grouping a terminal-filtered snapshot.
func (r *Registry) AllThreadIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, rec := range r.records {
		if rec.ThreadID == "" || seen[rec.ThreadID] {
			continue
		}
		seen[rec.ThreadID] = true
		out = append(out, rec.ThreadID)
	}
	return out
}

// FindByOrderID returns the record for a venue order id regardless of
// status, used to recover the (symbol, side) a bare venue order id belongs
// to when a websocket fill event carries no side of its own.
func (r *Registry) FindByOrderID(venueID keeper.VenueID, orderID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Venue == venueID && rec.OrderID == orderID {
			return *rec, true
		}
	}
	return Record{}, false
}

// ForceClearOrder removes a record outright, used when reality diverges from
// expectation irrecoverably.
func (r *Registry) ForceClearOrder(venueID keeper.VenueID, symbol keeper.Symbol, side keeper.Side) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, key{venue: venueID, symbol: symbol.Normalize(), side: side})
}

// Get returns the current record for a key, if any.
func (r *Registry) Get(venueID keeper.VenueID, symbol keeper.Symbol, side keeper.Side) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key{venue: venueID, symbol: symbol.Normalize(), side: side}]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
