package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisRateCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// windowLimiter 是基于 Redis 计数的固定窗口限流器：每个窗口一个 key，首次计数时设置过期。
type windowLimiter struct {
	counter redisRateCounter
	prefix  string
	limit   int64
	window  time.Duration
	now     func() time.Time
}

func newWindowLimiter(counter redisRateCounter, prefix string, limit int, window time.Duration) *windowLimiter {
	if counter == nil || limit <= 0 {
		return nil
	}
	return &windowLimiter{counter: counter, prefix: prefix, limit: int64(limit), window: window, now: time.Now}
}

// Allow 在当前窗口内为 subject 计数一次；limiter 为 nil 时全部放行。
func (l *windowLimiter) Allow(ctx context.Context, subject string) (bool, error) {
	if l == nil {
		return true, nil
	}
	slot := l.now().UnixNano() / int64(l.window)
	key := fmt.Sprintf("%s:%s:%d", l.prefix, subject, slot)

	count, err := l.counter.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		_ = l.counter.Expire(ctx, key, l.window).Err()
	}
	return count <= l.limit, nil
}
