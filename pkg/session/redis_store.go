package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// getOrCreateScript returns the session hash, (re)creating it when absent or past
// its expiry.
// KEYS[1] = session key
// ARGV[1] = now (unix ms)
// ARGV[2] = ttl (ms)
var getOrCreateScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local created = 0
local expires = tonumber(redis.call("HGET", key, "_expires"))
if (not expires) or expires <= now then
    redis.call("DEL", key)
    redis.call("HSET", key, "_created", now, "_expires", now + ttl)
    redis.call("PEXPIREAT", key, now + ttl)
    created = 1
end
return {created, redis.call("HGETALL", key)}
`)

// applyUpdateScript applies clamped deltas atomically.
// KEYS[1] = session key
// ARGV[1] = now (unix ms), ARGV[2] = ttl (ms)
// ARGV[3] = min, ARGV[4] = max, ARGV[5] = max step, ARGV[6] = max hypotheses
// ARGV[7..] = triples of claim id, support delta, refute delta
var applyUpdateScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local expires = tonumber(redis.call("HGET", key, "_expires"))
if (not expires) or expires <= now then
    redis.call("DEL", key)
    redis.call("HSET", key, "_created", now, "_expires", now + ttl)
    redis.call("PEXPIREAT", key, now + ttl)
end

local lo = tonumber(ARGV[3])
local hi = tonumber(ARGV[4])
local step = tonumber(ARGV[5])
local cap = tonumber(ARGV[6])

local function clamp(v, a, b)
    if v < a then return a end
    if v > b then return b end
    return v
end

local count = redis.call("HLEN", key) - 2
for i = 7, #ARGV, 3 do
    local field = "h:" .. ARGV[i]
    local ds = clamp(tonumber(ARGV[i + 1]), -step, step)
    local dr = clamp(tonumber(ARGV[i + 2]), -step, step)
    local cur = redis.call("HGET", key, field)
    local s = clamp(0, lo, hi)
    local r = clamp(0, lo, hi)
    if cur then
        local sep = string.find(cur, "|", 1, true)
        s = tonumber(string.sub(cur, 1, sep - 1))
        r = tonumber(string.sub(cur, sep + 1))
    end
    if cur or cap <= 0 or count < cap then
        if not cur then count = count + 1 end
        redis.call("HSET", key, field, string.format("%.17g|%.17g", clamp(s + ds, lo, hi), clamp(r + dr, lo, hi)))
    end
end
return redis.call("HGETALL", key)
`)

// RedisStore is a Store backed by one Redis hash per session. Expiry is enforced
// both by the key TTL and by the stored _expires field, so a session whose TTL
// elapsed is never observed even before Redis evicts it.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	bounds Bounds
	clock  func() time.Time
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, bounds Bounds) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "warden:session:",
		ttl:    ttl,
		bounds: bounds,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *RedisStore) WithClock(clock func() time.Time) *RedisStore {
	s.clock = clock
	return s
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) GetOrCreate(ctx context.Context, id string) (*Handle, error) {
	id, _ = NormalizeID(id)
	res, err := getOrCreateScript.Run(ctx, s.client, []string{s.key(id)},
		s.clock().UnixMilli(), s.ttl.Milliseconds()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return nil, fmt.Errorf("%w: unexpected script reply", ErrUnavailable)
	}
	created, _ := parts[0].(int64)
	fields, _ := parts[1].([]interface{})
	h, err := decodeHash(fields)
	if err != nil {
		return nil, err
	}
	h.ID = id
	h.Created = created == 1
	return h, nil
}

func (s *RedisStore) ApplyUpdate(ctx context.Context, id string, deltas []Delta) ([]Hypothesis, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	merged := MergeDeltas(deltas)
	args := make([]interface{}, 0, 6+3*len(merged))
	args = append(args,
		s.clock().UnixMilli(), s.ttl.Milliseconds(),
		s.bounds.Min, s.bounds.Max, s.bounds.MaxStep, s.bounds.MaxHypotheses,
	)
	for _, d := range merged {
		args = append(args, d.ClaimID, d.Support, d.Refute)
	}
	res, err := applyUpdateScript.Run(ctx, s.client, []string{s.key(id)}, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	fields, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: unexpected script reply", ErrUnavailable)
	}
	h, err := decodeHash(fields)
	if err != nil {
		return nil, err
	}
	return h.Hypotheses, nil
}

func (s *RedisStore) IsExpired(ctx context.Context, id string) (bool, error) {
	v, err := s.client.HGet(ctx, s.key(id), "_expires").Int64()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return !s.clock().Before(time.UnixMilli(v)), nil
}

func decodeHash(fields []interface{}) (*Handle, error) {
	h := &Handle{}
	byID := make(map[string]Hypothesis)
	for i := 0; i+1 < len(fields); i += 2 {
		name, _ := fields[i].(string)
		value, _ := fields[i+1].(string)
		switch {
		case name == "_created":
			ms, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("session: bad _created: %w", err)
			}
			h.CreatedAt = time.UnixMilli(ms)
		case name == "_expires":
			ms, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("session: bad _expires: %w", err)
			}
			h.ExpiresAt = time.UnixMilli(ms)
		case strings.HasPrefix(name, "h:"):
			support, refute, ok := strings.Cut(value, "|")
			if !ok {
				return nil, fmt.Errorf("session: bad hypothesis value for %s", name)
			}
			sv, err := strconv.ParseFloat(support, 64)
			if err != nil {
				return nil, fmt.Errorf("session: bad support for %s: %w", name, err)
			}
			rv, err := strconv.ParseFloat(refute, 64)
			if err != nil {
				return nil, fmt.Errorf("session: bad refute for %s: %w", name, err)
			}
			claim := strings.TrimPrefix(name, "h:")
			byID[claim] = Hypothesis{ClaimID: claim, Support: sv, Refute: rv}
		}
	}
	h.Hypotheses = sortedHypotheses(byID)
	return h, nil
}
