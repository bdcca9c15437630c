package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/assetlens/portal/internal/ports"
)

var _ ports.RateLimiter = (*RateLimiter)(nil)

// RateLimiterOptions configures RateLimiter.
type RateLimiterOptions struct {
	Limit  int
	Window time.Duration
	Prefix string
	Now    func() time.Time
}

// RateLimiter is a fixed-window limiter shared by every portal instance.
// Each window is one INCR counter that expires with the window.
type RateLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRateLimiter creates a Redis rate limiter. Defaults are 120 requests per minute.
func NewRateLimiter(client redis.UniversalClient, opts RateLimiterOptions) *RateLimiter {
	if opts.Limit <= 0 {
		opts.Limit = 120
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Prefix == "" {
		opts.Prefix = "portal:ratelimit:"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RateLimiter{
		client: client,
		limit:  opts.Limit,
		window: opts.Window,
		prefix: opts.Prefix,
		now:    opts.Now,
	}
}

// Allow counts one request for key in the current window.
func (l *RateLimiter) Allow(ctx context.Context, key string) (ports.RateDecision, error) {
	now := l.now()
	windowIdx := now.UnixNano() / int64(l.window)
	windowEnd := time.Unix(0, (windowIdx+1)*int64(l.window))
	bucket := l.prefix + key + ":" + strconv.FormatInt(windowIdx, 10)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return ports.RateDecision{}, fmt.Errorf("redis rate limit: %w", err)
	}

	n := int(incr.Val())
	if n > l.limit {
		return ports.RateDecision{Allowed: false, RetryAfter: windowEnd.Sub(now)}, nil
	}
	return ports.RateDecision{Allowed: true, Remaining: l.limit - n}, nil
}
