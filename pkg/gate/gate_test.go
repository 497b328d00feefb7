package gate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ladle-dev/ladle/pkg/budget"
	"github.com/ladle-dev/ladle/pkg/models"
	"github.com/ladle-dev/ladle/pkg/ratelimit"
	"github.com/ladle-dev/ladle/pkg/ssrf"
	"github.com/ladle-dev/ladle/pkg/store/sqlite"
)

// Target URLs use literal public and private addresses so that no DNS
// lookup happens in these tests.
const (
	publicURL  = "https://93.184.216.34/recipe"
	privateURL = "https://10.0.0.1/recipe"
)

type gateOpts struct {
	rateLimit   int
	rateEnabled bool
	dailyCap    string
	costPerReq  string
}

func newTestGate(t *testing.T, opts gateOpts) (*Gate, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "counters.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := zap.NewNop()
	dailyCap, err := decimal.NewFromString(opts.dailyCap)
	if err != nil {
		t.Fatalf("parse cap: %v", err)
	}
	cost, err := decimal.NewFromString(opts.costPerReq)
	if err != nil {
		t.Fatalf("parse cost: %v", err)
	}

	g := New(s,
		ratelimit.New(s, opts.rateLimit, opts.rateEnabled, log),
		ssrf.New(nil, 2*time.Second, log),
		budget.New(s, dailyCap, cost, 0.8, log),
		log)
	return g, s
}

func defaultOpts() gateOpts {
	return gateOpts{rateLimit: 20, rateEnabled: true, dailyCap: "1.00", costPerReq: "0.01"}
}

func TestAdmitAllows(t *testing.T) {
	g, _ := newTestGate(t, defaultOpts())

	dec := g.Admit(context.Background(), "1.2.3.4", publicURL)
	if !dec.Allowed {
		t.Fatalf("denied: %s (%s)", dec.Message, dec.Reason)
	}
}

func TestBlocklistRunsFirst(t *testing.T) {
	g, s := newTestGate(t, defaultOpts())
	ctx := context.Background()

	err := s.Block(ctx, models.BlockedClient{
		ClientKey: "1.2.3.4",
		Reason:    "scraping",
		BlockedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}

	// Even an SSRF-worthy URL reports the block, not the URL.
	dec := g.Admit(ctx, "1.2.3.4", privateURL)
	if dec.Allowed {
		t.Fatal("blocked client admitted")
	}
	if dec.Reason != models.ReasonClientBlocked {
		t.Errorf("reason = %q, want %q", dec.Reason, models.ReasonClientBlocked)
	}

	if dec := g.Admit(ctx, "5.6.7.8", publicURL); !dec.Allowed {
		t.Errorf("unrelated client denied: %s", dec.Message)
	}
}

func TestExpiredBlockIsIgnored(t *testing.T) {
	g, s := newTestGate(t, defaultOpts())
	ctx := context.Background()

	until := time.Now().UTC().Add(-time.Minute)
	err := s.Block(ctx, models.BlockedClient{
		ClientKey:    "1.2.3.4",
		Reason:       "temporary",
		BlockedAt:    time.Now().UTC().Add(-time.Hour),
		BlockedUntil: &until,
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}

	if dec := g.Admit(ctx, "1.2.3.4", publicURL); !dec.Allowed {
		t.Errorf("expired block still denies: %s", dec.Message)
	}
}

func TestRateLimitRunsBeforeValidation(t *testing.T) {
	opts := defaultOpts()
	opts.rateLimit = 1
	g, _ := newTestGate(t, opts)
	ctx := context.Background()

	if dec := g.Admit(ctx, "1.2.3.4", publicURL); !dec.Allowed {
		t.Fatalf("first request denied: %s", dec.Message)
	}

	// The limit is exhausted, so the bad URL is never inspected.
	dec := g.Admit(ctx, "1.2.3.4", privateURL)
	if dec.Allowed {
		t.Fatal("over-limit request admitted")
	}
	if dec.Reason != models.ReasonRateLimited {
		t.Errorf("reason = %q, want %q", dec.Reason, models.ReasonRateLimited)
	}
}

func TestValidationRunsBeforeBudget(t *testing.T) {
	opts := defaultOpts()
	opts.dailyCap = "0.01"
	opts.costPerReq = "0.01"
	g, _ := newTestGate(t, opts)
	ctx := context.Background()

	if dec := g.Charge(ctx); !dec.Allowed {
		t.Fatalf("setup charge denied: %s", dec.Message)
	}

	// Budget is exhausted, but the URL rejection comes first.
	dec := g.Admit(ctx, "1.2.3.4", privateURL)
	if dec.Allowed {
		t.Fatal("private URL admitted")
	}
	if dec.Reason != models.ReasonSSRFBlocked {
		t.Errorf("reason = %q, want %q", dec.Reason, models.ReasonSSRFBlocked)
	}
}

func TestBudgetDeniesLast(t *testing.T) {
	opts := defaultOpts()
	opts.dailyCap = "0.01"
	opts.costPerReq = "0.01"
	g, _ := newTestGate(t, opts)
	ctx := context.Background()

	if dec := g.Charge(ctx); !dec.Allowed {
		t.Fatalf("setup charge denied: %s", dec.Message)
	}

	dec := g.Admit(ctx, "1.2.3.4", publicURL)
	if dec.Allowed {
		t.Fatal("request admitted with exhausted budget")
	}
	if dec.Reason != models.ReasonBudgetExceeded {
		t.Errorf("reason = %q, want %q", dec.Reason, models.ReasonBudgetExceeded)
	}
}

func TestAdmitDoesNotCharge(t *testing.T) {
	g, s := newTestGate(t, defaultOpts())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if dec := g.Admit(ctx, "1.2.3.4", publicURL); !dec.Allowed {
			t.Fatalf("admit %d denied: %s", i, dec.Message)
		}
	}

	ledger, err := s.Ledger(ctx, models.Day(time.Now()))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if !ledger.EstimatedCost.IsZero() {
		t.Errorf("admit charged the budget: %s", ledger.EstimatedCost)
	}
}

func TestDisabledLimiter(t *testing.T) {
	opts := defaultOpts()
	opts.rateLimit = 1
	opts.rateEnabled = false
	g, _ := newTestGate(t, opts)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if dec := g.Admit(ctx, "1.2.3.4", publicURL); !dec.Allowed {
			t.Fatalf("admit %d denied with limiter disabled: %s", i, dec.Message)
		}
	}
}

func TestRecordTokens(t *testing.T) {
	g, s := newTestGate(t, defaultOpts())
	ctx := context.Background()

	if dec := g.Charge(ctx); !dec.Allowed {
		t.Fatalf("charge denied: %s", dec.Message)
	}
	if err := g.RecordTokens(ctx, 2048); err != nil {
		t.Fatalf("record tokens: %v", err)
	}

	ledger, err := s.Ledger(ctx, models.Day(time.Now()))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if ledger.TokensUsed != 2048 {
		t.Errorf("tokens used = %d, want 2048", ledger.TokensUsed)
	}
}
