package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ladle-dev/ladle/pkg/models"
)

// Logger writes and queries admission decisions in a dedicated SQLite
// database. Denials are routine admission-control events here, not
// faults; faults are logged by the components that hit them.
type Logger struct {
	db   *sql.DB
	cfg  models.AuditConfig
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the audit database and starts the retention loop.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS admission_log (
		request_id        TEXT PRIMARY KEY,
		client_key_hash   TEXT NOT NULL,
		client_key_prefix TEXT NOT NULL,
		target_host       TEXT NOT NULL,
		allowed           INTEGER NOT NULL,
		reason            TEXT,
		cache_hit         INTEGER NOT NULL DEFAULT 0,
		status_code       INTEGER,
		latency_ms        INTEGER,
		created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	if _, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_admission_reason ON admission_log(reason)`); err != nil {
		return err
	}
	if _, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_admission_created ON admission_log(created_at)`); err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_admission_prefix ON admission_log(client_key_prefix)`)
	return err
}

// Log inserts an admission entry. A nil Logger drops entries silently
// so callers need no enabled check.
func (l *Logger) Log(ctx context.Context, entry models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO admission_log
		(request_id, client_key_hash, client_key_prefix, target_host,
		 allowed, reason, cache_hit, status_code, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.ClientKeyHash, entry.ClientKeyPrefix, entry.TargetHost,
		entry.Allowed, entry.Reason, entry.CacheHit, entry.StatusCode,
		entry.LatencyMs, entry.CreatedAt,
	)
	return err
}

// Query returns admission entries matching the given options.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := `SELECT request_id, client_key_hash, client_key_prefix, target_host,
		allowed, reason, cache_hit, status_code, latency_ms, created_at
		FROM admission_log WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.Reason != "" {
		q += " AND reason = ?"
		args = append(args, opts.Reason)
	}
	if opts.ClientKeyPrefix != "" {
		q += " AND client_key_prefix = ?"
		args = append(args, opts.ClientKeyPrefix)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since)
	}
	if opts.DeniedOnly {
		q += " AND allowed = 0"
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query admission log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var reason sql.NullString
		if err := rows.Scan(
			&e.RequestID, &e.ClientKeyHash, &e.ClientKeyPrefix, &e.TargetHost,
			&e.Allowed, &reason, &e.CacheHit, &e.StatusCode,
			&e.LatencyMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan admission row: %w", err)
		}
		e.Reason = reason.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns aggregate counts grouped by denial reason and day.
// Allowed requests are grouped under "allowed".
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT CASE WHEN allowed = 1 THEN 'allowed' ELSE reason END, date(created_at) AS day, count(*)
		 FROM admission_log GROUP BY 1, day ORDER BY day DESC, 1`)
	if err != nil {
		return nil, fmt.Errorf("admission stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var day sql.NullString
		if err := rows.Scan(&s.Reason, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan admission stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM admission_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("admission log cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}

// HashClientKey returns the SHA-256 hex hash and an 8-char prefix for
// a client key, so the log never stores raw addresses.
func HashClientKey(key string) (hash, prefix string) {
	h := sha256.Sum256([]byte(key))
	hash = hex.EncodeToString(h[:])
	if len(key) > 8 {
		prefix = key[:8]
	} else {
		prefix = key
	}
	return hash, prefix
}
