package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether another request for key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// FixedWindow counts requests per key in fixed windows stored in Redis.
type FixedWindow struct {
	rdb    *redis.Client
	max    int
	window time.Duration
	prefix string
}

// MinWindow is the shortest counting window; windows are numbered in milliseconds.
const MinWindow = time.Millisecond

// NewFixedWindow builds a limiter allowing max requests per window. Windows
// shorter than MinWindow are raised to it.
func NewFixedWindow(rdb *redis.Client, max int, window time.Duration) *FixedWindow {
	if window < MinWindow {
		window = MinWindow
	}
	return &FixedWindow{rdb: rdb, max: max, window: window, prefix: "rate_limit:"}
}

// Allow increments the counter of the window containing now and reports
// whether the count is still within the limit.
func (l *FixedWindow) Allow(ctx context.Context, key string) (bool, error) {
	windowKey := time.Now().UnixMilli() / l.window.Milliseconds()
	redisKey := fmt.Sprintf("%s%s:%d", l.prefix, key, windowKey)

	count, err := l.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := l.rdb.PExpire(ctx, redisKey, l.window+time.Second).Err(); err != nil {
			return false, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return count <= int64(l.max), nil
}

// Window returns the length of a counting window.
func (l *FixedWindow) Window() time.Duration {
	return l.window
}
