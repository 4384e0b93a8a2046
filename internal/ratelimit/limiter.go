package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/freelancepay/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	keyPublicPay = "public:pay:%s:%s"

	// maxLocalKeys bounds the in-process limiter map; it is reset when full.
	maxLocalKeys = 10_000
)

// PublicLimiter throttles unauthenticated payment-page lookups per token and
// client IP so tokens cannot be enumerated cheaply.
type PublicLimiter struct {
	bucket *TokenBucket
	log    *zap.Logger

	rate  float64
	burst int

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewPublicLimiter prefers the shared Redis bucket and falls back to
// per-process limiters when Redis is not configured.
func NewPublicLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *PublicLimiter {
	limit := cfg.PublicRateLimit
	if limit <= 0 {
		limit = 30
	}
	window := cfg.PublicRateWindow
	if window <= 0 {
		window = time.Minute
	}

	return &PublicLimiter{
		bucket: NewTokenBucket(client),
		log:    log.Named("ratelimit.public"),
		rate:   float64(limit) / window.Seconds(),
		burst:  limit,
		local:  make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request for token from clientIP may proceed.
// Redis failures fail open; payment pages must stay reachable.
func (l *PublicLimiter) Allow(ctx context.Context, token, clientIP string) *RateLimitResult {
	key := fmt.Sprintf(keyPublicPay, strings.TrimSpace(clientIP), tokenFingerprint(token))

	if l.bucket != nil {
		res, err := l.bucket.Allow(ctx, key, l.rate, l.burst)
		if err == nil {
			return res
		}
		l.log.Warn("redis rate limit failed, using local limiter", zap.Error(err))
	}
	return l.allowLocal(key, time.Now())
}

func (l *PublicLimiter) allowLocal(key string, now time.Time) *RateLimitResult {
	l.mu.Lock()
	limiter, ok := l.local[key]
	if !ok {
		if len(l.local) >= maxLocalKeys {
			l.local = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rate.Limit(l.rate), l.burst)
		l.local[key] = limiter
	}
	l.mu.Unlock()

	allowed := limiter.AllowN(now, 1)
	return buildResult(allowed, limiter.TokensAt(now), l.rate, l.burst, now)
}

// tokenFingerprint keeps raw payment tokens out of Redis keys.
func tokenFingerprint(token string) string {
	token = strings.TrimSpace(token)
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
