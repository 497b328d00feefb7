package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ladle-dev/ladle/pkg/models"
)

// Store is the shared counter store behind the gate's checks. The
// increment operations are atomic: the returned values reflect the
// state after this call's own mutation, so concurrent callers can
// compare against limits without a separate read.
type Store interface {
	// IncrementWindow atomically creates-or-increments the rate counter
	// for (clientKey, windowStart) and returns the post-increment count.
	IncrementWindow(ctx context.Context, clientKey string, windowStart time.Time) (int64, error)

	// ChargeSpend atomically applies increment to the ledger for day
	// unless the new total would exceed limit, in which case nothing is
	// charged. The result reports whether the charge was applied and
	// the totals before and after.
	ChargeSpend(ctx context.Context, day string, increment, limit decimal.Decimal) (ChargeResult, error)

	// AddTokens records token consumption against an existing ledger row.
	AddTokens(ctx context.Context, day string, tokens int64) error

	// Ledger returns the ledger row for day. A day with no charges
	// returns a zero-valued ledger, not an error.
	Ledger(ctx context.Context, day string) (models.BudgetLedger, error)

	// Ledgers returns ledger rows for all days on or after since,
	// newest first.
	Ledgers(ctx context.Context, since string) ([]models.BudgetLedger, error)

	// Blocked returns the live block for clientKey, or nil if the
	// client is not blocked. Expired blocks are purged lazily.
	Blocked(ctx context.Context, clientKey string) (*models.BlockedClient, error)

	// Block adds or replaces a denylist entry.
	Block(ctx context.Context, b models.BlockedClient) error

	// Unblock removes a denylist entry.
	Unblock(ctx context.Context, clientKey string) error

	// ListBlocked returns all denylist entries, including expired ones
	// that have not yet been purged.
	ListBlocked(ctx context.Context) ([]models.BlockedClient, error)

	// Close releases resources.
	Close() error
}

// ChargeResult reports the outcome of an atomic spend charge.
type ChargeResult struct {
	Charged  bool
	Previous decimal.Decimal
	Total    decimal.Decimal
}

// Currency amounts are persisted as integer micro-units so that both
// backends can do exact arithmetic natively. Amounts finer than six
// decimal places are rounded half-even at the boundary.
const microPlaces = 6

// ToMicros converts a currency amount to integer micro-units.
func ToMicros(d decimal.Decimal) int64 {
	return d.RoundBank(microPlaces).Shift(microPlaces).IntPart()
}

// FromMicros converts integer micro-units back to a currency amount.
func FromMicros(m int64) decimal.Decimal {
	return decimal.New(m, -microPlaces)
}
