package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ladle-dev/ladle/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "counters.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustDecimal(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestIncrementWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	window := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	for want := int64(1); want <= 3; want++ {
		count, err := s.IncrementWindow(ctx, "1.2.3.4", window)
		if err != nil {
			t.Fatal(err)
		}
		if count != want {
			t.Errorf("expected count %d, got %d", want, count)
		}
	}

	// A different window starts its own counter.
	count, err := s.IncrementWindow(ctx, "1.2.3.4", window.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected fresh window to start at 1, got %d", count)
	}

	// A different client does too.
	count, err = s.IncrementWindow(ctx, "5.6.7.8", window)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected other client to start at 1, got %d", count)
	}
}

func TestIncrementWindowConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	window := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	const callers = 50
	var wg sync.WaitGroup
	counts := make(chan int64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			count, err := s.IncrementWindow(ctx, "1.2.3.4", window)
			if err != nil {
				t.Error(err)
				return
			}
			counts <- count
		}()
	}
	wg.Wait()
	close(counts)

	// Every caller must observe a distinct post-increment value; a lost
	// update would produce a duplicate.
	seen := make(map[int64]bool)
	for c := range counts {
		if seen[c] {
			t.Fatalf("duplicate post-increment count %d", c)
		}
		seen[c] = true
	}
	if len(seen) != callers {
		t.Fatalf("expected %d distinct counts, got %d", callers, len(seen))
	}

	final, err := s.IncrementWindow(ctx, "1.2.3.4", window)
	if err != nil {
		t.Fatal(err)
	}
	if final != callers+1 {
		t.Errorf("expected final count %d, got %d", callers+1, final)
	}
}

func TestChargeSpend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := "2026-03-14"
	incr := mustDecimal(t, "0.30")
	limit := mustDecimal(t, "1.00")

	for i := 0; i < 3; i++ {
		res, err := s.ChargeSpend(ctx, day, incr, limit)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Charged {
			t.Fatalf("charge %d unexpectedly denied", i+1)
		}
	}

	// 0.90 + 0.30 > 1.00, so the fourth charge is denied and nothing
	// is applied.
	res, err := s.ChargeSpend(ctx, day, incr, limit)
	if err != nil {
		t.Fatal(err)
	}
	if res.Charged {
		t.Fatal("expected fourth charge to be denied")
	}
	if !res.Total.Equal(mustDecimal(t, "0.90")) {
		t.Errorf("expected denied total 0.90, got %s", res.Total)
	}

	ledger, err := s.Ledger(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	if !ledger.EstimatedCost.Equal(mustDecimal(t, "0.90")) {
		t.Errorf("expected ledger cost 0.90 after denial, got %s", ledger.EstimatedCost)
	}
	if ledger.RequestCount != 3 {
		t.Errorf("expected 3 charged requests, got %d", ledger.RequestCount)
	}
}

func TestChargeSpendIncrementAboveLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.ChargeSpend(ctx, "2026-03-14", mustDecimal(t, "2.00"), mustDecimal(t, "1.00"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Charged {
		t.Fatal("expected oversized increment to be denied")
	}
	if !res.Total.IsZero() {
		t.Errorf("expected zero total, got %s", res.Total)
	}
}

func TestChargeSpendResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	incr := mustDecimal(t, "0.00045")
	limit := mustDecimal(t, "1.00")

	res, err := s.ChargeSpend(ctx, "2026-03-14", incr, limit)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Previous.IsZero() {
		t.Errorf("expected previous 0, got %s", res.Previous)
	}
	if !res.Total.Equal(incr) {
		t.Errorf("expected total %s, got %s", incr, res.Total)
	}

	res, err = s.ChargeSpend(ctx, "2026-03-14", incr, limit)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Previous.Equal(incr) {
		t.Errorf("expected previous %s, got %s", incr, res.Previous)
	}
	if !res.Total.Equal(incr.Add(incr)) {
		t.Errorf("expected total %s, got %s", incr.Add(incr), res.Total)
	}
}

func TestChargeSpendDaysAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	incr := mustDecimal(t, "0.60")
	limit := mustDecimal(t, "1.00")

	if res, _ := s.ChargeSpend(ctx, "2026-03-14", incr, limit); !res.Charged {
		t.Fatal("first day charge denied")
	}
	// Same increment again on a new day succeeds even though it would
	// have exceeded yesterday's remaining budget.
	res, err := s.ChargeSpend(ctx, "2026-03-15", incr, limit)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Charged {
		t.Fatal("expected new day to start a fresh ledger")
	}
}

func TestAddTokensAndLedgers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	incr := mustDecimal(t, "0.0015")
	limit := mustDecimal(t, "1.00")

	if _, err := s.ChargeSpend(ctx, "2026-03-14", incr, limit); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTokens(ctx, "2026-03-14", 1200); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ChargeSpend(ctx, "2026-03-15", incr, limit); err != nil {
		t.Fatal(err)
	}

	ledger, err := s.Ledger(ctx, "2026-03-14")
	if err != nil {
		t.Fatal(err)
	}
	if ledger.TokensUsed != 1200 {
		t.Errorf("expected 1200 tokens, got %d", ledger.TokensUsed)
	}

	ledgers, err := s.Ledgers(ctx, "2026-03-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(ledgers) != 2 {
		t.Fatalf("expected 2 ledgers, got %d", len(ledgers))
	}
	if ledgers[0].Day != "2026-03-15" {
		t.Errorf("expected newest first, got %s", ledgers[0].Day)
	}
}

func TestLedgerMissingDay(t *testing.T) {
	s := newTestStore(t)

	ledger, err := s.Ledger(context.Background(), "2026-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if !ledger.EstimatedCost.IsZero() || ledger.RequestCount != 0 {
		t.Errorf("expected zero ledger, got %+v", ledger)
	}
}

func TestBlocklist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.Blocked(ctx, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Fatal("expected no block initially")
	}

	if err := s.Block(ctx, models.BlockedClient{
		ClientKey: "1.2.3.4",
		Reason:    "scraper",
		BlockedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	b, err = s.Blocked(ctx, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || b.Reason != "scraper" {
		t.Fatalf("expected permanent block, got %+v", b)
	}

	all, err := s.ListBlocked(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 blocked client, got %d", len(all))
	}

	if err := s.Unblock(ctx, "1.2.3.4"); err != nil {
		t.Fatal(err)
	}
	b, err = s.Blocked(ctx, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Fatal("expected block removed")
	}
}

func TestBlocklistExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	if err := s.Block(ctx, models.BlockedClient{
		ClientKey:    "1.2.3.4",
		Reason:       "temp",
		BlockedAt:    past.Add(-time.Hour),
		BlockedUntil: &past,
	}); err != nil {
		t.Fatal(err)
	}

	// An expired block reads as not blocked and is purged.
	b, err := s.Blocked(ctx, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Fatalf("expected expired block to be gone, got %+v", b)
	}

	all, err := s.ListBlocked(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("expected purged blocklist, got %d entries", len(all))
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "counters.db")

	s1, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	_ = s1.Close()

	s2, err := New(dbPath)
	if err != nil {
		t.Fatal("second New() failed:", err)
	}
	_ = s2.Close()
}
