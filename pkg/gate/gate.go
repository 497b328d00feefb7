package gate

import (
	"context"

	"go.uber.org/zap"

	"github.com/ladle-dev/ladle/pkg/budget"
	"github.com/ladle-dev/ladle/pkg/models"
	"github.com/ladle-dev/ladle/pkg/ratelimit"
	"github.com/ladle-dev/ladle/pkg/ssrf"
	"github.com/ladle-dev/ladle/pkg/store"
)

// Gate sequences the admission checks into a single decision. The
// order is fixed: blocklist, rate limit, SSRF validation, budget
// pre-check. Cheapest checks run first, and nothing network-bound runs
// before the rate limiter has had its say.
//
// The gate never performs the duplicate lookup or the paid extraction;
// the caller does, and invokes Charge once it knows the work is new.
type Gate struct {
	store     store.Store
	limiter   *ratelimit.Limiter
	validator *ssrf.Validator
	budget    *budget.Tracker
	log       *zap.Logger
}

// New wires the gate from its three checks and the shared store.
func New(s store.Store, l *ratelimit.Limiter, v *ssrf.Validator, b *budget.Tracker, log *zap.Logger) *Gate {
	return &Gate{store: s, limiter: l, validator: v, budget: b, log: log}
}

// Admit runs the checks in order and returns the first non-allowing
// decision, or an allowing one if every check passes. Denials are
// values, never errors: no fault in a check may crash the caller.
func (g *Gate) Admit(ctx context.Context, clientKey, targetURL string) models.Decision {
	if dec := g.checkBlocklist(ctx, clientKey); !dec.Allowed {
		return dec
	}
	if dec := g.limiter.CheckAndRecord(ctx, clientKey); !dec.Allowed {
		return dec
	}
	if dec := g.validator.Validate(ctx, targetURL); !dec.Allowed {
		return dec
	}
	return g.budget.Check(ctx)
}

// Charge applies the per-request cost to today's budget. Callers invoke
// it after their duplicate lookup misses, so cache hits are never
// billed. A request aborted after Charge is not refunded: the budget
// was legitimately consumed.
func (g *Gate) Charge(ctx context.Context) models.Decision {
	return g.budget.CheckAndCharge(ctx)
}

// RecordTokens attributes downstream token usage to today's ledger.
func (g *Gate) RecordTokens(ctx context.Context, tokens int64) error {
	return g.budget.RecordTokens(ctx, tokens)
}

// checkBlocklist consults the denylist. Like the rate limiter it fails
// open on store errors: the list is an extension, not a backstop.
func (g *Gate) checkBlocklist(ctx context.Context, clientKey string) models.Decision {
	blocked, err := g.store.Blocked(ctx, clientKey)
	if err != nil {
		g.log.Error("blocklist unreachable, failing open",
			zap.String("client_key", clientKey),
			zap.Error(err))
		return models.Allow()
	}
	if blocked != nil {
		return models.Deny(models.ReasonClientBlocked, "client is blocked: "+blocked.Reason)
	}
	return models.Allow()
}
