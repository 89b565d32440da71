package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindowScript handles the fixed-window check-and-increment atomically.
// KEYS[1] = record key (one key per window, e.g. "warden:budget:rate:ip:1.2.3.4:1767225600")
// ARGV[1] = max requests (0 = unlimited)
// ARGV[2] = max tokens (0 = unlimited)
// ARGV[3] = cost requests
// ARGV[4] = cost tokens
// ARGV[5] = reset timestamp (unix ms)
var redisWindowScript = redis.NewScript(`
local key = KEYS[1]
local max_requests = tonumber(ARGV[1])
local max_tokens = tonumber(ARGV[2])
local cost_requests = tonumber(ARGV[3])
local cost_tokens = tonumber(ARGV[4])
local reset_at = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "requests", "tokens")
local requests = tonumber(state[1]) or 0
local tokens = tonumber(state[2]) or 0

if max_requests > 0 and requests + cost_requests > max_requests then
    return {0, requests, tokens, 1}
end
if max_tokens > 0 and tokens + cost_tokens > max_tokens then
    return {0, requests, tokens, 2}
end

requests = redis.call("HINCRBY", key, "requests", cost_requests)
tokens = redis.call("HINCRBY", key, "tokens", cost_tokens)
-- The window key expires with its window to self-clean.
redis.call("PEXPIREAT", key, reset_at)

return {1, requests, tokens, 0}
`)

// RedisStorage implements Storage using Redis, shared across instances.
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStorage creates a new storage backed by client.
func NewRedisStorage(client redis.UniversalClient) *RedisStorage {
	return &RedisStorage{client: client, prefix: "warden:budget:"}
}

func (s *RedisStorage) key(key Key) string {
	return fmt.Sprintf("%s%s:%s:%s:%d", s.prefix, key.Ledger, key.Subject.Type, key.Subject.ID, key.WindowStart.Unix())
}

func (s *RedisStorage) CheckAndIncrement(ctx context.Context, key Key, resetAt time.Time, limit Limit, cost Cost) (*Record, Breach, error) {
	res, err := redisWindowScript.Run(ctx, s.client, []string{s.key(key)},
		limit.MaxRequests, limit.MaxTokens, cost.Requests, cost.Tokens, resetAt.UnixMilli()).Result()
	if err != nil {
		return nil, BreachNone, fmt.Errorf("redis ledger error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 4 {
		return nil, BreachNone, fmt.Errorf("invalid response from lua script")
	}
	requests, _ := results[1].(int64)
	tokens, _ := results[2].(int64)
	breach, _ := results[3].(int64)

	return &Record{
		Ledger:      key.Ledger,
		SubjectType: string(key.Subject.Type),
		SubjectID:   key.Subject.ID,
		WindowStart: key.WindowStart,
		ResetAt:     resetAt,
		Requests:    requests,
		Tokens:      tokens,
	}, Breach(breach), nil
}
