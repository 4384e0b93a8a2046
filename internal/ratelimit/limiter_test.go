package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/freelancepay/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestPublicLimiterLocalFallback(t *testing.T) {
	limiter := NewPublicLimiter(config.Config{PublicRateLimit: 2, PublicRateWindow: time.Minute}, nil, zap.NewNop())
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "tok_abcdefghijkl", "10.0.0.1").Allowed)
	assert.True(t, limiter.Allow(ctx, "tok_abcdefghijkl", "10.0.0.1").Allowed)

	denied := limiter.Allow(ctx, "tok_abcdefghijkl", "10.0.0.1")
	assert.False(t, denied.Allowed)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))

	// A different client has its own bucket.
	assert.True(t, limiter.Allow(ctx, "tok_abcdefghijkl", "10.0.0.2").Allowed)
}

func TestTokenFingerprint(t *testing.T) {
	assert.Equal(t, "abcdefgh", tokenFingerprint(" abcdefghijkl "))
	assert.Equal(t, "abc", tokenFingerprint("abc"))
}

func TestBuildResultRetryAfter(t *testing.T) {
	now := time.Unix(0, 0)
	res := buildResult(false, 0, 0.5, 10, now)
	assert.Equal(t, 2*time.Second, res.RetryAfter)
	assert.Equal(t, now.Add(2*time.Second), res.ResetTime)

	ok := buildResult(true, 4.7, 1, 10, now)
	assert.Equal(t, 4, ok.Remaining)
	assert.Zero(t, ok.RetryAfter)
}
