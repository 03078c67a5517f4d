package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/dagflow/api/handlers"
	"github.com/BaSui01/dagflow/types"
)

// =============================================================================
// 🚦 限流：按租户或客户端 IP 的令牌桶
// =============================================================================

const (
	bucketIdleTTL    = 3 * time.Minute
	bucketSweepEvery = time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 每个租户（来自 JWT 声明）或客户端 IP 一个令牌桶。
// 限额可在运行时修改，已有的桶在下一次请求时采用新限额。
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	logger  *zap.Logger
}

// NewRateLimiter 创建限流器；ctx 结束时停止清理闲置桶
func NewRateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
		logger:  logger.With(zap.String("component", "rate_limiter")),
	}
	go rl.sweep(ctx)
	return rl
}

// SetLimits 修改所有客户端的限额
func (rl *RateLimiter) SetLimits(rps float64, burst int) {
	rl.mu.Lock()
	rl.limit, rl.burst = rate.Limit(rps), burst
	rl.mu.Unlock()
	rl.logger.Info("rate limits updated", zap.Float64("rps", rps), zap.Int("burst", burst))
}

func (rl *RateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(bucketSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for key, b := range rl.buckets {
				if now.Sub(b.lastSeen) > bucketIdleTTL {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// limiterFor 取出或创建 key 的令牌桶，并同步当前限额
func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.buckets[key]
	if b == nil {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	if b.limiter.Limit() != rl.limit {
		b.limiter.SetLimit(rl.limit)
	}
	if b.limiter.Burst() != rl.burst {
		b.limiter.SetBurst(rl.burst)
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// Middleware 超出限额返回 429
func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lim := rl.limiterFor(rateLimitKey(r))
			if !lim.Allow() {
				w.Header().Set("Retry-After", "1")
				w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(float64(lim.Limit()), 'f', -1, 64))
				handlers.WriteErrorMessage(w, http.StatusTooManyRequests, types.ErrRateLimited, "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if tenant, ok := types.TenantID(r.Context()); ok {
		return "tenant:" + tenant
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
