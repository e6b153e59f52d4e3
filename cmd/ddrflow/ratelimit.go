package main

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/ddrflow/api/handlers"
	"github.com/BaSui01/ddrflow/types"
	"golang.org/x/time/rate"
)

const (
	limiterSweepEvery = time.Minute
	limiterIdleTTL    = 3 * time.Minute
)

// callerLimiters 每个调用方一个令牌桶，空闲超过 limiterIdleTTL 的会被清掉
type callerLimiters struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*callerBucket
}

type callerBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newCallerLimiters(rps float64, burst int) *callerLimiters {
	return &callerLimiters{rps: rate.Limit(rps), burst: burst, buckets: make(map[string]*callerBucket)}
}

func (c *callerLimiters) allow(key string, now time.Time) bool {
	c.mu.Lock()
	b, ok := c.buckets[key]
	if !ok {
		b = &callerBucket{lim: rate.NewLimiter(c.rps, c.burst)}
		c.buckets[key] = b
	}
	b.lastSeen = now
	c.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

func (c *callerLimiters) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, b := range c.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(c.buckets, k)
		}
	}
}

func (c *callerLimiters) sweepUntil(ctx context.Context) {
	t := time.NewTicker(limiterSweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.sweep(now)
		}
	}
}

// RateLimiter HTTP 入口的按调用方限流（JWT subject 优先，否则客户端 IP），
// 与模型调用预算互不相干。rps <= 0 时不限流。
func RateLimiter(ctx context.Context, rps float64, burst int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiters := newCallerLimiters(rps, burst)
	go limiters.sweepUntil(ctx)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.allow(callerKey(r), time.Now()) {
				handlers.WriteError(w, r, types.NewError(types.ErrRateLimited, "too many requests").
					WithHTTPStatus(http.StatusTooManyRequests).
					WithRetryAfter(time.Duration(float64(time.Second)/rps)), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if sub, ok := types.Subject(r.Context()); ok {
		return "sub:" + sub
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
