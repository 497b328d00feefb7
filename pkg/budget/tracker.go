package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ladle-dev/ladle/pkg/models"
	"github.com/ladle-dev/ladle/pkg/store"
)

// Tracker caps cumulative estimated daily spend on the downstream paid
// operation. Days are UTC calendar days; a new day implicitly starts a
// fresh ledger row, so there is no reset operation.
//
// Unlike the rate limiter, the tracker fails closed: silently allowing
// unmetered requests is worse than temporary unavailability.
type Tracker struct {
	store     store.Store
	dailyCap  decimal.Decimal
	increment decimal.Decimal
	threshold decimal.Decimal
	log       *zap.Logger

	now func() time.Time
}

// New creates a Tracker. alertThreshold is the fraction of the cap at
// which a one-time-per-day warning is emitted.
func New(s store.Store, dailyCap, costPerRequest decimal.Decimal, alertThreshold float64, log *zap.Logger) *Tracker {
	return &Tracker{
		store:     s,
		dailyCap:  dailyCap,
		increment: costPerRequest,
		threshold: decimal.NewFromFloat(alertThreshold),
		log:       log,
		now:       time.Now,
	}
}

// Check decides whether one more charge would fit in today's budget
// without charging anything. The gate uses it as a pre-check; the
// caller charges later via CheckAndCharge once the work is known to be
// non-duplicate.
func (t *Tracker) Check(ctx context.Context) models.Decision {
	day := models.Day(t.now())
	ledger, err := t.store.Ledger(ctx, day)
	if err != nil {
		t.log.Error("budget store unreachable, failing closed", zap.Error(err))
		return models.Deny(models.ReasonBudgetExceeded, "budget check unavailable")
	}
	if ledger.EstimatedCost.Add(t.increment).GreaterThan(t.dailyCap) {
		return t.denyExceeded()
	}
	return models.Allow()
}

// CheckAndCharge atomically applies the per-request cost increment to
// today's ledger. A denied charge consumes nothing: the compare and the
// write happen in one store operation, so concurrent callers cannot
// overshoot the cap.
func (t *Tracker) CheckAndCharge(ctx context.Context) models.Decision {
	day := models.Day(t.now())
	res, err := t.store.ChargeSpend(ctx, day, t.increment, t.dailyCap)
	if err != nil {
		t.log.Error("budget store unreachable, failing closed", zap.Error(err))
		return models.Deny(models.ReasonBudgetExceeded, "budget charge unavailable")
	}
	if !res.Charged {
		return t.denyExceeded()
	}

	// Warn once per day when spend crosses the alert threshold; the
	// atomic charge result carries both sides of the crossing.
	alertAt := t.dailyCap.Mul(t.threshold)
	if res.Previous.LessThan(alertAt) && res.Total.GreaterThanOrEqual(alertAt) {
		t.log.Warn("approaching daily budget",
			zap.String("day", day),
			zap.String("spent", res.Total.StringFixed(4)),
			zap.String("daily_cap", t.dailyCap.StringFixed(2)))
	}
	return models.Allow()
}

// RecordTokens attributes token consumption to today's ledger. Tokens
// are informational and never affect admission.
func (t *Tracker) RecordTokens(ctx context.Context, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	if err := t.store.AddTokens(ctx, models.Day(t.now()), tokens); err != nil {
		return fmt.Errorf("record tokens: %w", err)
	}
	return nil
}

// Status returns today's ledger and the remaining budget.
func (t *Tracker) Status(ctx context.Context) (models.BudgetLedger, decimal.Decimal, error) {
	ledger, err := t.store.Ledger(ctx, models.Day(t.now()))
	if err != nil {
		return models.BudgetLedger{}, decimal.Zero, fmt.Errorf("budget status: %w", err)
	}
	remaining := t.dailyCap.Sub(ledger.EstimatedCost)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return ledger, remaining, nil
}

func (t *Tracker) denyExceeded() models.Decision {
	return models.Deny(models.ReasonBudgetExceeded,
		fmt.Sprintf("daily budget of %s exceeded, try again tomorrow", t.dailyCap.StringFixed(2)))
}
