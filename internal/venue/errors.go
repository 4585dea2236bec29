package venue

import (
	"fmt"

	"github.com/ai-agentic-browser/internal/keeper"
)

// ExchangeError is the sentinel typed failure every adapter operation
// surfaces instead of letting a raw transport error escape.
type ExchangeError struct {
	Venue keeper.VenueID
	Code  string // venue-specific error code, if any
	Cause error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("venue %s: [%s] %v", e.Venue, e.Code, e.Cause)
	}
	return fmt.Sprintf("venue %s: %v", e.Venue, e.Cause)
}

func (e *ExchangeError) Unwrap() error { return e.Cause }

// RateLimited classifies an ExchangeError as the 429-equivalent condition
// the retry/backoff contract in §4.1 reacts to.
type RateLimited struct {
	*ExchangeError
}

// AuthFailure classifies a signing/auth ExchangeError. No adapter constructs
// it and no order path checks for it, so an auth or signing failure does not
// stop later orders on that venue.
type AuthFailure struct {
	*ExchangeError
}
