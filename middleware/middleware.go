package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter 按来源 IP 在固定窗口内计数
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	counts  map[string]int
	resetAt map[string]time.Time
}

// NewRateLimiter limit <= 0 表示不限
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		counts:  make(map[string]int),
		resetAt: make(map[string]time.Time),
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Allow 记一次请求，超过窗口内上限返回 false
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	// 不存在记录或窗口已过，重置计数
	if last, ok := rl.resetAt[ip]; !ok || now.Sub(last) > rl.window {
		rl.counts[ip] = 0
		rl.resetAt[ip] = now
	}
	rl.counts[ip]++
	return rl.counts[ip] <= rl.limit
}

// Wrap 中间件：超限返回 429
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup 删除两个窗口内没有请求的记录，返回删除数
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	removed := 0
	for ip, last := range rl.resetAt {
		if now.Sub(last) > 2*rl.window {
			delete(rl.resetAt, ip)
			delete(rl.counts, ip)
			removed++
		}
	}
	return removed
}

// Run 定时清理，直到 ctx 结束
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}
