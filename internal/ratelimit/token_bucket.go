package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// The bucket state lives in one hash per key. Redis truncates Lua numbers
// to integers on return, so the fractional token count comes back as a
// string. Retry time is computed server side against the Redis clock.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = burst
else
  local elapsed = math.max(0, now - ts)
  tokens = math.min(burst, tokens + elapsed * rate / 1000)
end

local allowed = 0
local retry = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  retry = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens), now, retry}
`

var (
	ErrLimiterNotConfigured = errors.New("rate limiter not configured")
	errEmptyKey             = errors.New("rate limiter key is empty")
	errInvalidRate          = errors.New("rate limiter rate must be positive")
	errInvalidBurst         = errors.New("rate limiter burst must be positive")
	errMalformedReply       = errors.New("malformed rate limit reply")
)

// TokenBucket is a Redis token bucket shared by every API replica.
type TokenBucket struct {
	client redis.UniversalClient
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

func NewTokenBucket(client redis.UniversalClient) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

// Allow takes one token from the bucket at key. rate is tokens per second
// and burst the bucket capacity.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	denied := &RateLimitResult{Allowed: false, Limit: burst}
	switch {
	case t == nil || t.client == nil:
		return denied, ErrLimiterNotConfigured
	case key == "":
		return denied, errEmptyKey
	case rate <= 0:
		return denied, errInvalidRate
	case burst <= 0:
		return denied, errInvalidBurst
	}

	raw, err := t.script.Run(ctx, t.client, []string{key},
		rate, burst, bucketTTL(rate, burst).Milliseconds(),
	).Slice()
	if err != nil {
		return denied, fmt.Errorf("token bucket %s: %w", key, err)
	}

	reply, err := parseBucketReply(raw)
	if err != nil {
		return denied, err
	}
	return reply.result(burst), nil
}

type bucketReply struct {
	allowed bool
	tokens  float64
	nowMs   int64
	retryMs int64
}

func (r bucketReply) result(burst int) *RateLimitResult {
	retryAfter := time.Duration(r.retryMs) * time.Millisecond
	return &RateLimitResult{
		Allowed:    r.allowed,
		Limit:      burst,
		Remaining:  int(math.Floor(r.tokens)),
		ResetTime:  time.UnixMilli(r.nowMs).Add(retryAfter),
		RetryAfter: retryAfter,
	}
}

func parseBucketReply(raw []interface{}) (bucketReply, error) {
	if len(raw) != 4 {
		return bucketReply{}, errMalformedReply
	}
	allowed, ok := raw[0].(int64)
	if !ok {
		return bucketReply{}, errMalformedReply
	}
	tokensText, ok := raw[1].(string)
	if !ok {
		return bucketReply{}, errMalformedReply
	}
	tokens, err := strconv.ParseFloat(tokensText, 64)
	if err != nil {
		return bucketReply{}, errMalformedReply
	}
	nowMs, ok := raw[2].(int64)
	if !ok {
		return bucketReply{}, errMalformedReply
	}
	retryMs, ok := raw[3].(int64)
	if !ok {
		return bucketReply{}, errMalformedReply
	}
	return bucketReply{allowed: allowed == 1, tokens: tokens, nowMs: nowMs, retryMs: retryMs}, nil
}

// bucketTTL keeps an idle bucket for twice the time it takes to refill.
func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Ceil(float64(burst) / rate * 2)
	return time.Duration(math.Max(seconds, 1)) * time.Second
}
