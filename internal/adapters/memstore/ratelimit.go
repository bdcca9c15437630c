package memstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/assetlens/portal/internal/ports"
)

var _ ports.RateLimiter = (*RateLimiter)(nil)

// RateLimiterOptions configures RateLimiter.
type RateLimiterOptions struct {
	Limit  int
	Window time.Duration
	Now    func() time.Time
}

// RateLimiter is a fixed-window limiter kept in process memory.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	counts *ttlcache.Cache[string, int]
}

// NewRateLimiter creates a limiter and starts its expiry loop. Call Close to stop it.
func NewRateLimiter(opts RateLimiterOptions) *RateLimiter {
	if opts.Limit <= 0 {
		opts.Limit = 120
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	counts := ttlcache.New(
		ttlcache.WithTTL[string, int](opts.Window),
		ttlcache.WithDisableTouchOnHit[string, int](),
	)
	go counts.Start()
	return &RateLimiter{limit: opts.Limit, window: opts.Window, now: opts.Now, counts: counts}
}

// Close stops the expiry loop.
func (l *RateLimiter) Close() {
	l.counts.Stop()
}

// Allow counts one request for key in the current window.
func (l *RateLimiter) Allow(_ context.Context, key string) (ports.RateDecision, error) {
	now := l.now()
	windowIdx := now.UnixNano() / int64(l.window)
	windowEnd := time.Unix(0, (windowIdx+1)*int64(l.window))
	bucket := key + ":" + strconv.FormatInt(windowIdx, 10)

	l.mu.Lock()
	n := 1
	if item := l.counts.Get(bucket); item != nil {
		n = item.Value() + 1
	}
	l.counts.Set(bucket, n, l.window)
	l.mu.Unlock()

	if n > l.limit {
		return ports.RateDecision{Allowed: false, RetryAfter: windowEnd.Sub(now)}, nil
	}
	return ports.RateDecision{Allowed: true, Remaining: l.limit - n}, nil
}
