package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"sciecho/pkg/domain"
	"sciecho/pkg/quota"
)

const ledgerFields = `"uploads_today", "questions_today", "last_reset_date", "updated_at"`

var initLedgerScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("HSET", KEYS[1], "uploads_today", 0, "questions_today", 0, "last_reset_date", ARGV[1], "updated_at", ARGV[2])
end
return redis.call("HMGET", KEYS[1], ` + ledgerFields + `)
`)

// Dates are YYYY-MM-DD, so string order is calendar order. A ledger is
// never moved to an earlier day.
var resetLedgerScript = redis.NewScript(`
local stored = redis.call("HGET", KEYS[1], "last_reset_date")
if not stored or stored < ARGV[1] then
  redis.call("HSET", KEYS[1], "uploads_today", 0, "questions_today", 0, "last_reset_date", ARGV[1], "updated_at", ARGV[2])
end
return redis.call("HMGET", KEYS[1], ` + ledgerFields + `)
`)

// consumeLedgerScript reconciles the day, re-checks the limit and increments
// in one script execution.
var consumeLedgerScript = redis.NewScript(`
local stored = redis.call("HGET", KEYS[1], "last_reset_date")
if not stored or stored < ARGV[1] then
  redis.call("HSET", KEYS[1], "uploads_today", 0, "questions_today", 0, "last_reset_date", ARGV[1], "updated_at", ARGV[4])
end
local allowed = 0
if tonumber(redis.call("HGET", KEYS[1], ARGV[2])) < tonumber(ARGV[3]) then
  redis.call("HINCRBY", KEYS[1], ARGV[2], 1)
  redis.call("HSET", KEYS[1], "updated_at", ARGV[4])
  allowed = 1
end
local fields = redis.call("HMGET", KEYS[1], ` + ledgerFields + `)
table.insert(fields, 1, allowed)
return fields
`)

// RedisLedgerStore keeps quota ledgers in Redis hashes. Every mutation is a
// Lua script, so concurrent service instances share one atomic counter.
// Redis errors are returned to the caller, which fails closed.
type RedisLedgerStore struct {
	client *redis.Client
	prefix string
}

// NewRedisLedgerStore creates a Redis-backed ledger store.
func NewRedisLedgerStore(addr, password, prefix string) (*RedisLedgerStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("ledger store redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "sciecho:ledger"
	}
	return &RedisLedgerStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}, nil
}

// Close closes the Redis client.
func (s *RedisLedgerStore) Close() error {
	return s.client.Close()
}

func (s *RedisLedgerStore) GetLedger(ctx context.Context, accountID string) (domain.QuotaLedger, bool, error) {
	values, err := s.client.HMGet(ctx, s.key(accountID), "uploads_today", "questions_today", "last_reset_date", "updated_at").Result()
	if err != nil {
		return domain.QuotaLedger{}, false, fmt.Errorf("get ledger: %w", err)
	}
	if len(values) == 0 || values[0] == nil {
		return domain.QuotaLedger{}, false, nil
	}
	ledger, err := parseLedger(accountID, values)
	if err != nil {
		return domain.QuotaLedger{}, false, err
	}
	return ledger, true, nil
}

func (s *RedisLedgerStore) LoadOrInitLedger(ctx context.Context, accountID string, today time.Time) (domain.QuotaLedger, error) {
	values, err := initLedgerScript.Run(ctx, s.client, []string{s.key(accountID)}, quota.FormatDay(today), nowMillis()).Slice()
	if err != nil {
		return domain.QuotaLedger{}, fmt.Errorf("init ledger: %w", err)
	}
	return parseLedger(accountID, values)
}

func (s *RedisLedgerStore) ResetLedger(ctx context.Context, accountID string, today time.Time) (domain.QuotaLedger, error) {
	values, err := resetLedgerScript.Run(ctx, s.client, []string{s.key(accountID)}, quota.FormatDay(today), nowMillis()).Slice()
	if err != nil {
		return domain.QuotaLedger{}, fmt.Errorf("reset ledger: %w", err)
	}
	return parseLedger(accountID, values)
}

func (s *RedisLedgerStore) ConsumeQuota(ctx context.Context, accountID string, kind quota.Kind, today time.Time, limit int) (domain.QuotaLedger, error) {
	field, _, err := counterColumns(kind)
	if err != nil {
		return domain.QuotaLedger{}, err
	}
	values, err := consumeLedgerScript.Run(ctx, s.client, []string{s.key(accountID)}, quota.FormatDay(today), field, limit, nowMillis()).Slice()
	if err != nil {
		return domain.QuotaLedger{}, fmt.Errorf("consume %s quota: %w", kind, err)
	}
	if len(values) != 5 {
		return domain.QuotaLedger{}, fmt.Errorf("consume %s quota: unexpected reply length %d", kind, len(values))
	}
	allowed, err := intValue(values[0])
	if err != nil {
		return domain.QuotaLedger{}, err
	}
	ledger, err := parseLedger(accountID, values[1:])
	if err != nil {
		return domain.QuotaLedger{}, err
	}
	if allowed != 1 {
		return ledger, ErrQuotaExhausted
	}
	return ledger, nil
}

func (s *RedisLedgerStore) key(accountID string) string {
	return s.prefix + ":" + accountID
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

func parseLedger(accountID string, values []any) (domain.QuotaLedger, error) {
	if len(values) != 4 {
		return domain.QuotaLedger{}, fmt.Errorf("ledger reply: unexpected length %d", len(values))
	}
	uploads, err := intValue(values[0])
	if err != nil {
		return domain.QuotaLedger{}, fmt.Errorf("ledger uploads_today: %w", err)
	}
	questions, err := intValue(values[1])
	if err != nil {
		return domain.QuotaLedger{}, fmt.Errorf("ledger questions_today: %w", err)
	}
	rawDay, _ := values[2].(string)
	day, err := time.ParseInLocation(quota.DateLayout, rawDay, time.UTC)
	if err != nil {
		return domain.QuotaLedger{}, fmt.Errorf("ledger last_reset_date: %w", err)
	}
	ledger := domain.QuotaLedger{
		AccountID:      accountID,
		UploadsToday:   int(uploads),
		QuestionsToday: int(questions),
		LastResetDate:  day,
	}
	if updated, err := intValue(values[3]); err == nil && updated > 0 {
		ledger.UpdatedAt = time.UnixMilli(updated).UTC()
	}
	return ledger, nil
}

func intValue(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	case nil:
		return 0, errors.New("missing value")
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}
