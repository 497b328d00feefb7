package models

import "time"

// Reason identifies why the gate denied a request.
type Reason string

const (
	ReasonRateLimited      Reason = "rate_limited"
	ReasonClientBlocked    Reason = "client_blocked"
	ReasonInvalidScheme    Reason = "invalid_scheme"
	ReasonSSRFBlocked      Reason = "ssrf_blocked"
	ReasonResolutionFailed Reason = "resolution_failed"
	ReasonBudgetExceeded   Reason = "budget_exceeded"
)

// Decision is the outcome of an admission check for one request.
// Denials are ordinary values, not errors; the gate converts every
// expected outcome and every infrastructure fault into a Decision.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     Reason        `json:"reason,omitempty"`
	Message    string        `json:"message,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Allow returns an allowing decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny returns a denying decision with the given reason and message.
func Deny(reason Reason, message string) Decision {
	return Decision{Reason: reason, Message: message}
}
