// Package ratelimit throttles checkout-session creation so a misbehaving
// client cannot pile up sessions at the payment processor.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/vuongducdai/saas-starter/internal/config"
	"go.uber.org/zap"
)

const checkoutBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

const keyCheckoutOrg = "billing:checkout:org:%s"

// CheckoutGuard is a per-organization token bucket over Redis. A nil guard
// allows everything, which is how single-instance deployments without Redis
// run.
type CheckoutGuard struct {
	client *redis.Client
	script *redis.Script

	rate  float64
	burst int
}

func NewCheckoutGuard(cfg config.Config, log *zap.Logger) *CheckoutGuard {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Named("ratelimit").Info("redis not configured, checkout guard disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
	})

	return &CheckoutGuard{
		client: client,
		script: redis.NewScript(checkoutBucketScript),
		rate:   cfg.CheckoutRate,
		burst:  cfg.CheckoutBurst,
	}
}

// Allow takes one token from the organization's bucket. On a deny it also
// reports how long the caller should wait before retrying. Redis failures are
// returned so the caller can decide to fail open.
func (g *CheckoutGuard) Allow(ctx context.Context, orgID snowflake.ID) (bool, time.Duration, error) {
	if g == nil || g.client == nil {
		return true, 0, nil
	}

	key := fmt.Sprintf(keyCheckoutOrg, orgID.String())
	ttl := bucketTTL(g.rate, g.burst)

	res, err := g.script.Run(ctx, g.client, []string{key},
		g.rate, g.burst, int64(ttl/time.Millisecond),
	).Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) < 2 {
		return false, 0, errors.New("unexpected checkout guard script response")
	}

	allowed := castToInt(res[0]) == 1
	if allowed {
		return true, 0, nil
	}

	remaining := castToFloat(res[1])
	wait := time.Duration(math.Ceil((1-remaining)/g.rate*1000)) * time.Millisecond
	if wait < 0 {
		wait = 0
	}
	return false, wait, nil
}

func (g *CheckoutGuard) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

// bucketTTL keeps idle buckets from living in Redis forever: once a bucket
// would have fully refilled there is no point retaining it.
func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 {
		return time.Minute
	}
	refill := time.Duration(float64(burst)/rate*1000) * time.Millisecond
	if refill < time.Minute {
		return time.Minute
	}
	return 2 * refill
}

func castToInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		var out int64
		_, _ = fmt.Sscan(n, &out)
		return out
	default:
		return 0
	}
}

func castToFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case string:
		var out float64
		_, _ = fmt.Sscan(n, &out)
		return out
	default:
		return 0
	}
}
