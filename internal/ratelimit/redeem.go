package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/loyalty/internal/config"
)

const keyRedeemCustomer = "loyalty:ratelimit:redeem:%s:%s"

// RedeemLimiter throttles storefront redemption attempts per customer.
type RedeemLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewRedeemLimiter returns nil when limiting is disabled or Redis is absent.
func NewRedeemLimiter(cfg config.Config, client *redis.Client) *RedeemLimiter {
	if !cfg.RedeemRateLimitEnabled || client == nil {
		return nil
	}
	if cfg.RedeemRatePerSecond <= 0 || cfg.RedeemBurst <= 0 {
		return nil
	}
	return newRedeemLimiter(client, cfg.RedeemRatePerSecond, cfg.RedeemBurst)
}

func newRedeemLimiter(client redis.UniversalClient, rate float64, burst int) *RedeemLimiter {
	return &RedeemLimiter{
		bucket: NewTokenBucket(client),
		rate:   rate,
		burst:  burst,
	}
}

func (l *RedeemLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow consumes one token for the customer. A disabled limiter always allows.
func (l *RedeemLimiter) Allow(ctx context.Context, shop, customerExternalID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyRedeemCustomer,
		strings.ToLower(strings.TrimSpace(shop)),
		strings.TrimSpace(customerExternalID),
	)
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
