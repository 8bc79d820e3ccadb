package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

// tokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter shares per-entity token buckets across nodes.
type RedisLimiter struct {
	client   *redis.Client
	policies map[contracts.TrustTier]TierPolicy
}

// NewRedisLimiter builds a Redis-backed limiter. A nil policy map uses
// the defaults.
func NewRedisLimiter(addr, password string, db int, policies map[contracts.TrustTier]TierPolicy) *RedisLimiter {
	if policies == nil {
		policies = DefaultTierPolicies
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLimiter{client: rdb, policies: policies}
}

// Allow executes the Lua script to check and update the token bucket.
func (r *RedisLimiter) Allow(ctx context.Context, entityID string, tier contracts.TrustTier, cost int) (bool, error) {
	if cost <= 0 {
		cost = 1
	}
	policy, ok := r.policies[tier]
	if !ok {
		policy = r.policies[contracts.TierSandbox]
	}
	key := fmt.Sprintf("velocity:%s:%s", tier, entityID)

	refill := float64(policy.RPM) / 60.0
	if refill <= 0 {
		refill = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, r.client, []string{key}, refill, policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Close releases the Redis connection.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
