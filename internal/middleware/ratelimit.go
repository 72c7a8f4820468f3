package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crmmail/backend/internal/cache"
)

// KeyedRateLimiter 按键（账户）限流的令牌桶集合
//
// 长时间不活跃的键由缓存过期回收，再次出现时获得满桶。
type KeyedRateLimiter struct {
	mu       sync.Mutex
	limiters *cache.LocalCache[*rate.Limiter]
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

// NewKeyedRateLimiter 创建限流器，perMinute<=0 表示不限流
func NewKeyedRateLimiter(perMinute, burst int) *KeyedRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
	}
	idle := 10 * time.Minute
	return &KeyedRateLimiter{
		limiters: cache.NewLocalCache[*rate.Limiter](10000, idle),
		limit:    limit,
		burst:    burst,
		idle:     idle,
	}
}

// Allow 消耗 key 的一个令牌，桶空时返回 false
func (l *KeyedRateLimiter) Allow(key string) bool {
	if l == nil || l.limit == rate.Inf {
		return true
	}

	l.mu.Lock()
	limiter, ok := l.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
	}
	// 每次访问都续期，活跃账户的桶不会被回收
	l.limiters.Set(key, limiter, l.idle)
	l.mu.Unlock()

	return limiter.Allow()
}

// Stop 停止后台清理
func (l *KeyedRateLimiter) Stop() {
	if l != nil {
		l.limiters.Stop()
	}
}
