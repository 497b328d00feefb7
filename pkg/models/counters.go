package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateWindow is a client's request counter within one clock-aligned hour.
// At most one row exists per (client_key, window_start) pair; the count
// only ever increases while the window is live.
type RateWindow struct {
	ClientKey    string    `json:"client_key"`
	WindowStart  time.Time `json:"window_start"`
	RequestCount int64     `json:"request_count"`
}

// BudgetLedger is the aggregate spend for one UTC calendar day.
// Exactly one row exists per day; estimated cost never decreases.
type BudgetLedger struct {
	Day           string          `json:"day"`
	RequestCount  int64           `json:"request_count"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	TokensUsed    int64           `json:"tokens_used"`
}

// BlockedClient is a denylisted client identity. A nil BlockedUntil
// means the block is permanent.
type BlockedClient struct {
	ClientKey    string     `json:"client_key"`
	Reason       string     `json:"reason"`
	BlockedAt    time.Time  `json:"blocked_at"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// Day formats a time as a UTC calendar-day ledger key.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
