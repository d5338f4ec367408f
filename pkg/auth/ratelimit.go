package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/packrat-io/packrat/pkg/clock"
	"github.com/packrat-io/packrat/pkg/kv"
	"github.com/packrat-io/packrat/pkg/log"
)

// RateLimiter enforces per-token hourly request limits with approximate
// KV counters. The get/compare/put sequence is not atomic: concurrent
// requests may overshoot the limit by up to their own number, which is
// accepted. Rate limiting is advisory, so every KV failure fails open.
type RateLimiter struct {
	cache kv.Cache // nil = unenforced
	clk   clock.Clock
}

// NewRateLimiter creates a rate limiter over the KV cache
func NewRateLimiter(cache kv.Cache, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RateLimiter{cache: cache, clk: clk}
}

// rateLimitKey scopes the counter to the current hour window
func rateLimitKey(tokenID string, hour int64) string {
	return fmt.Sprintf("rate_limit:%s:%d", tokenID, hour)
}

// Allow reports whether a request for tokenID fits under maxPerHour.
// maxPerHour <= 0 means unlimited.
func (rl *RateLimiter) Allow(ctx context.Context, tokenID string, maxPerHour int) bool {
	if maxPerHour <= 0 || rl.cache == nil {
		return true
	}

	hour := rl.clk.NowMs() / 3_600_000
	key := rateLimitKey(tokenID, hour)
	logger := log.WithComponent("ratelimit")

	count := 0
	raw, err := rl.cache.Get(ctx, key)
	switch {
	case err == nil:
		n, convErr := strconv.Atoi(raw)
		if convErr != nil {
			logger.Warn().Str("key", key).Msg("corrupt rate counter, resetting")
			n = 0
		}
		count = n
	case errors.Is(err, kv.ErrMiss):
		// First request this hour
	default:
		logger.Warn().Err(err).Msg("rate counter read failed, allowing request")
		return true
	}

	if count >= maxPerHour {
		return false
	}

	if err := rl.cache.Put(ctx, key, strconv.Itoa(count+1), time.Hour); err != nil {
		logger.Warn().Err(err).Msg("rate counter write failed, allowing request")
	}
	return true
}
