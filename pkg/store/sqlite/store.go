package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/ladle-dev/ladle/pkg/models"
	"github.com/ladle-dev/ladle/pkg/store"
)

// Store implements store.Store with a SQLite database. All counter
// mutations are single upsert statements with RETURNING, so the value
// compared against a limit is always the one this call produced.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS rate_windows (
	client_key TEXT NOT NULL,
	window_start INTEGER NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (client_key, window_start)
);

CREATE TABLE IF NOT EXISTS api_usage (
	day TEXT PRIMARY KEY,
	request_count INTEGER NOT NULL DEFAULT 0,
	cost_micros INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS blocked_clients (
	client_key TEXT PRIMARY KEY,
	reason TEXT NOT NULL,
	blocked_at DATETIME NOT NULL,
	blocked_until DATETIME
);
`

// New opens the counter database and runs auto-migration.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open counter db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate counter db: %w", err)
	}

	return &Store{db: db}, nil
}

// IncrementWindow atomically creates-or-increments a rate window row
// and returns the post-increment count.
func (s *Store) IncrementWindow(ctx context.Context, clientKey string, windowStart time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rate_windows (client_key, window_start, request_count) VALUES (?, ?, 1)
		 ON CONFLICT(client_key, window_start) DO UPDATE SET request_count = request_count + 1
		 RETURNING request_count`,
		clientKey, windowStart.UTC().Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment rate window: %w", err)
	}
	return count, nil
}

// ChargeSpend applies the increment to the day's ledger unless the new
// total would exceed limit. The upsert's WHERE clause makes the compare
// and the write a single statement; a denied charge updates nothing.
func (s *Store) ChargeSpend(ctx context.Context, day string, increment, limit decimal.Decimal) (store.ChargeResult, error) {
	incr := store.ToMicros(increment)
	capMicros := store.ToMicros(limit)

	if incr > capMicros {
		total, err := s.costMicros(ctx, day)
		if err != nil {
			return store.ChargeResult{}, err
		}
		return store.ChargeResult{
			Previous: store.FromMicros(total),
			Total:    store.FromMicros(total),
		}, nil
	}

	var newTotal int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO api_usage (day, request_count, cost_micros) VALUES (?, 1, ?)
		 ON CONFLICT(day) DO UPDATE SET
			request_count = request_count + 1,
			cost_micros = cost_micros + excluded.cost_micros
		 WHERE api_usage.cost_micros + excluded.cost_micros <= ?
		 RETURNING cost_micros`,
		day, incr, capMicros,
	).Scan(&newTotal)

	if errors.Is(err, sql.ErrNoRows) {
		// Denied: the conflict clause matched but its WHERE did not.
		total, qerr := s.costMicros(ctx, day)
		if qerr != nil {
			return store.ChargeResult{}, qerr
		}
		return store.ChargeResult{
			Previous: store.FromMicros(total),
			Total:    store.FromMicros(total),
		}, nil
	}
	if err != nil {
		return store.ChargeResult{}, fmt.Errorf("charge spend: %w", err)
	}

	return store.ChargeResult{
		Charged:  true,
		Previous: store.FromMicros(newTotal - incr),
		Total:    store.FromMicros(newTotal),
	}, nil
}

func (s *Store) costMicros(ctx context.Context, day string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cost_micros FROM api_usage WHERE day = ?`, day,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read ledger total: %w", err)
	}
	return total, nil
}

// AddTokens records token consumption against the day's ledger row.
func (s *Store) AddTokens(ctx context.Context, day string, tokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_usage (day, tokens_used) VALUES (?, ?)
		 ON CONFLICT(day) DO UPDATE SET tokens_used = tokens_used + excluded.tokens_used`,
		day, tokens,
	)
	if err != nil {
		return fmt.Errorf("add tokens: %w", err)
	}
	return nil
}

// Ledger returns the ledger row for day, zero-valued if absent.
func (s *Store) Ledger(ctx context.Context, day string) (models.BudgetLedger, error) {
	ledger := models.BudgetLedger{Day: day, EstimatedCost: decimal.Zero}
	var micros int64
	err := s.db.QueryRowContext(ctx,
		`SELECT request_count, cost_micros, tokens_used FROM api_usage WHERE day = ?`, day,
	).Scan(&ledger.RequestCount, &micros, &ledger.TokensUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger, nil
	}
	if err != nil {
		return models.BudgetLedger{}, fmt.Errorf("read ledger: %w", err)
	}
	ledger.EstimatedCost = store.FromMicros(micros)
	return ledger, nil
}

// Ledgers returns ledger rows for all days on or after since, newest first.
func (s *Store) Ledgers(ctx context.Context, since string) ([]models.BudgetLedger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, request_count, cost_micros, tokens_used FROM api_usage
		 WHERE day >= ? ORDER BY day DESC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", err)
	}
	defer rows.Close()

	var ledgers []models.BudgetLedger
	for rows.Next() {
		var l models.BudgetLedger
		var micros int64
		if err := rows.Scan(&l.Day, &l.RequestCount, &micros, &l.TokensUsed); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		l.EstimatedCost = store.FromMicros(micros)
		ledgers = append(ledgers, l)
	}
	return ledgers, rows.Err()
}

// Blocked returns the live block for clientKey, purging it if expired.
func (s *Store) Blocked(ctx context.Context, clientKey string) (*models.BlockedClient, error) {
	var b models.BlockedClient
	var until sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT client_key, reason, blocked_at, blocked_until FROM blocked_clients WHERE client_key = ?`,
		clientKey,
	).Scan(&b.ClientKey, &b.Reason, &b.BlockedAt, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}

	if until.Valid {
		if until.Time.Before(time.Now().UTC()) {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM blocked_clients WHERE client_key = ?`, clientKey); err != nil {
				return nil, fmt.Errorf("purge expired block: %w", err)
			}
			return nil, nil
		}
		t := until.Time
		b.BlockedUntil = &t
	}
	return &b, nil
}

// Block adds or replaces a denylist entry.
func (s *Store) Block(ctx context.Context, b models.BlockedClient) error {
	var until any
	if b.BlockedUntil != nil {
		until = b.BlockedUntil.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blocked_clients (client_key, reason, blocked_at, blocked_until)
		 VALUES (?, ?, ?, ?)`,
		b.ClientKey, b.Reason, b.BlockedAt.UTC(), until,
	)
	if err != nil {
		return fmt.Errorf("block client: %w", err)
	}
	return nil
}

// Unblock removes a denylist entry.
func (s *Store) Unblock(ctx context.Context, clientKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM blocked_clients WHERE client_key = ?`, clientKey)
	if err != nil {
		return fmt.Errorf("unblock client: %w", err)
	}
	return nil
}

// ListBlocked returns all denylist entries.
func (s *Store) ListBlocked(ctx context.Context) ([]models.BlockedClient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_key, reason, blocked_at, blocked_until FROM blocked_clients ORDER BY blocked_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list blocked: %w", err)
	}
	defer rows.Close()

	var blocked []models.BlockedClient
	for rows.Next() {
		var b models.BlockedClient
		var until sql.NullTime
		if err := rows.Scan(&b.ClientKey, &b.Reason, &b.BlockedAt, &until); err != nil {
			return nil, fmt.Errorf("scan blocked: %w", err)
		}
		if until.Valid {
			t := until.Time
			b.BlockedUntil = &t
		}
		blocked = append(blocked, b)
	}
	return blocked, rows.Err()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
