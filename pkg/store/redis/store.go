package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ladle-dev/ladle/pkg/models"
	"github.com/ladle-dev/ladle/pkg/store"
)

const (
	rateKeyPrefix    = "ladle:rate:"
	usageKeyPrefix   = "ladle:usage:"
	blockedKeyPrefix = "ladle:blocked:"

	// Windows are an hour long; keep the key for two windows so a
	// client straddling a boundary still sees its previous count expire.
	rateKeyTTL = 2 * time.Hour

	// Ledgers are kept for a usage dashboard; 90 days matches the
	// longest view it offers.
	usageKeyTTL = 90 * 24 * time.Hour
)

// incrWindowScript increments the window counter and attaches a TTL on
// first use, returning the post-increment count.
var incrWindowScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return c
`)

// chargeSpendScript applies the increment only if the new total stays
// within the cap. Amounts are integer micro-units. Returns
// {charged, previous_total}.
var chargeSpendScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'cost') or '0')
local incr = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
if cur + incr > cap then
	return {0, cur}
end
redis.call('HINCRBY', KEYS[1], 'cost', incr)
redis.call('HINCRBY', KEYS[1], 'requests', 1)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return {1, cur}
`)

// Store implements store.Store on Redis. Counter atomicity comes from
// single-command INCR and Lua scripts rather than SQL upserts.
type Store struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Store{client: client}, nil
}

// IncrementWindow atomically increments the window counter and returns
// the post-increment count.
func (s *Store) IncrementWindow(ctx context.Context, clientKey string, windowStart time.Time) (int64, error) {
	key := fmt.Sprintf("%s%s:%d", rateKeyPrefix, clientKey, windowStart.UTC().Unix())
	count, err := incrWindowScript.Run(ctx, s.client, []string{key}, int(rateKeyTTL.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment rate window: %w", err)
	}
	return count, nil
}

// ChargeSpend applies the increment to the day's ledger hash unless the
// new total would exceed limit.
func (s *Store) ChargeSpend(ctx context.Context, day string, increment, limit decimal.Decimal) (store.ChargeResult, error) {
	incr := store.ToMicros(increment)
	capMicros := store.ToMicros(limit)

	res, err := chargeSpendScript.Run(ctx, s.client,
		[]string{usageKeyPrefix + day},
		incr, capMicros, int(usageKeyTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return store.ChargeResult{}, fmt.Errorf("charge spend: %w", err)
	}
	if len(res) != 2 {
		return store.ChargeResult{}, fmt.Errorf("charge spend: unexpected script result %v", res)
	}

	charged := res[0] == 1
	previous := store.FromMicros(res[1])
	total := previous
	if charged {
		total = store.FromMicros(res[1] + incr)
	}
	return store.ChargeResult{Charged: charged, Previous: previous, Total: total}, nil
}

// AddTokens records token consumption against the day's ledger hash.
func (s *Store) AddTokens(ctx context.Context, day string, tokens int64) error {
	if err := s.client.HIncrBy(ctx, usageKeyPrefix+day, "tokens", tokens).Err(); err != nil {
		return fmt.Errorf("add tokens: %w", err)
	}
	return nil
}

// Ledger returns the ledger for day, zero-valued if absent.
func (s *Store) Ledger(ctx context.Context, day string) (models.BudgetLedger, error) {
	vals, err := s.client.HGetAll(ctx, usageKeyPrefix+day).Result()
	if err != nil {
		return models.BudgetLedger{}, fmt.Errorf("read ledger: %w", err)
	}
	return ledgerFromHash(day, vals), nil
}

func ledgerFromHash(day string, vals map[string]string) models.BudgetLedger {
	ledger := models.BudgetLedger{Day: day, EstimatedCost: decimal.Zero}
	if v, ok := vals["requests"]; ok {
		ledger.RequestCount, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["cost"]; ok {
		micros, _ := strconv.ParseInt(v, 10, 64)
		ledger.EstimatedCost = store.FromMicros(micros)
	}
	if v, ok := vals["tokens"]; ok {
		ledger.TokensUsed, _ = strconv.ParseInt(v, 10, 64)
	}
	return ledger
}

// Ledgers scans usage hashes for all days on or after since, newest first.
func (s *Store) Ledgers(ctx context.Context, since string) ([]models.BudgetLedger, error) {
	var ledgers []models.BudgetLedger
	iter := s.client.Scan(ctx, 0, usageKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		day := iter.Val()[len(usageKeyPrefix):]
		if day < since {
			continue
		}
		ledger, err := s.Ledger(ctx, day)
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, ledger)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan ledgers: %w", err)
	}
	sort.Slice(ledgers, func(i, j int) bool { return ledgers[i].Day > ledgers[j].Day })
	return ledgers, nil
}

// Blocked returns the live block for clientKey. Expiry is handled by
// the key's TTL, so there is nothing to purge here.
func (s *Store) Blocked(ctx context.Context, clientKey string) (*models.BlockedClient, error) {
	vals, err := s.client.HGetAll(ctx, blockedKeyPrefix+clientKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return blockFromHash(clientKey, vals), nil
}

func blockFromHash(clientKey string, vals map[string]string) *models.BlockedClient {
	b := &models.BlockedClient{ClientKey: clientKey, Reason: vals["reason"]}
	if v, ok := vals["blocked_at"]; ok {
		b.BlockedAt, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok := vals["blocked_until"]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			b.BlockedUntil = &t
		}
	}
	return b
}

// Block adds or replaces a denylist entry. Expiring blocks get a key
// TTL matching blocked_until.
func (s *Store) Block(ctx context.Context, b models.BlockedClient) error {
	key := blockedKeyPrefix + b.ClientKey
	fields := map[string]any{
		"reason":     b.Reason,
		"blocked_at": b.BlockedAt.UTC().Format(time.RFC3339),
	}
	if b.BlockedUntil != nil {
		fields["blocked_until"] = b.BlockedUntil.UTC().Format(time.RFC3339)
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("block client: %w", err)
	}
	if b.BlockedUntil != nil {
		ttl := time.Until(*b.BlockedUntil)
		if ttl > 0 {
			if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
				return fmt.Errorf("set block expiry: %w", err)
			}
		}
	}
	return nil
}

// Unblock removes a denylist entry.
func (s *Store) Unblock(ctx context.Context, clientKey string) error {
	if err := s.client.Del(ctx, blockedKeyPrefix+clientKey).Err(); err != nil {
		return fmt.Errorf("unblock client: %w", err)
	}
	return nil
}

// ListBlocked returns all denylist entries.
func (s *Store) ListBlocked(ctx context.Context) ([]models.BlockedClient, error) {
	var blocked []models.BlockedClient
	iter := s.client.Scan(ctx, 0, blockedKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("read blocklist entry: %w", err)
		}
		if len(vals) == 0 {
			continue
		}
		blocked = append(blocked, *blockFromHash(key[len(blockedKeyPrefix):], vals))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan blocklist: %w", err)
	}
	return blocked, nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
