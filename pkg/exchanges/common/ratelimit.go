package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing requests and tracks the venue's reported quota.
type RateLimiter struct {
	limiter *rate.Limiter
	log     zerolog.Logger

	mu      sync.RWMutex
	limit   int
	remain  int
	resetAt time.Time
}

// NewRateLimiter allows perSecond requests with the given burst.
func NewRateLimiter(perSecond float64, burst int, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		log:     log,
		remain:  -1,
	}
}

// Wait blocks until a request may be sent, or until the venue quota window resets
// when the last response reported it exhausted.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	remain, resetAt := rl.remain, rl.resetAt
	rl.mu.RUnlock()

	if remain == 0 {
		if d := time.Until(resetAt); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return rl.limiter.Wait(ctx)
}

// UpdateFromHeaders records X-Gate-RateLimit-* response headers.
func (rl *RateLimiter) UpdateFromHeaders(limitHeader, remainHeader, resetHeader string) {
	if remainHeader == "" {
		return
	}
	remain, err := strconv.Atoi(remainHeader)
	if err != nil {
		return
	}
	limit, _ := strconv.Atoi(limitHeader)
	var resetAt time.Time
	if ts, err := strconv.ParseInt(resetHeader, 10, 64); err == nil {
		resetAt = time.Unix(ts, 0)
	}

	rl.mu.Lock()
	rl.limit, rl.remain, rl.resetAt = limit, remain, resetAt
	rl.mu.Unlock()

	if limit > 0 {
		used := float64(limit-remain) / float64(limit) * 100
		if used >= 95 {
			rl.log.Warn().Int("remain", remain).Int("limit", limit).Msg("rate limit critical")
		} else if used >= 80 {
			rl.log.Info().Int("remain", remain).Int("limit", limit).Msg("rate limit warning")
		}
	}
}

// Usage returns the last reported quota; remain is -1 before the first response.
func (rl *RateLimiter) Usage() (limit, remain int) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limit, rl.remain
}
