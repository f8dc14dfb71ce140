// ratelimit.go implements the per-IP throttle for the credential endpoints.
// Counts live in Redis when it is configured so every replica shares one
// budget, and in process memory otherwise.

package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/coursehub/internal/apperror"
)

// msgRateLimited is returned to throttled clients.
const msgRateLimited = "Too many requests, please try again later"

// Limiter counts hits against a key within a fixed window. Allow reports
// whether the hit fits in the budget and, when it does not, how long until
// the window resets.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// RateLimit returns middleware that throttles requests per client IP. A
// limiter failure lets the request through; losing the throttle briefly is
// better than locking everyone out of login.
func RateLimit(limiter Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()

			allowed, retryAfter, err := limiter.Allow(c.Request().Context(), ip)
			if err != nil {
				slog.Warn("rate limiter unavailable, allowing request",
					slog.String("ip", ip),
					slog.Any("error", err),
				)
				return next(c)
			}
			if !allowed {
				secs := int(math.Ceil(retryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				return apperror.NewTooManyRequests(msgRateLimited)
			}
			return next(c)
		}
	}
}

// --- In-memory limiter ---

// rateLimitEntry tracks request counts for a single key within a window.
type rateLimitEntry struct {
	count       int
	windowStart time.Time
}

// MemoryLimiter is a fixed-window limiter held in process memory. Expired
// entries are pruned on access, so it needs no background goroutine.
type MemoryLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	entries   map[string]*rateLimitEntry
	lastPrune time.Time
}

// NewMemoryLimiter allows max hits per key within each window.
func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		max:     max,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*rateLimitEntry),
	}
}

// Allow implements Limiter. It never returns an error.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > l.window {
		for k, entry := range l.entries {
			if now.Sub(entry.windowStart) >= l.window {
				delete(l.entries, k)
			}
		}
		l.lastPrune = now
	}

	entry, ok := l.entries[key]
	if !ok || now.Sub(entry.windowStart) >= l.window {
		l.entries[key] = &rateLimitEntry{count: 1, windowStart: now}
		return true, 0, nil
	}

	entry.count++
	if entry.count > l.max {
		return false, entry.windowStart.Add(l.window).Sub(now), nil
	}
	return true, 0, nil
}

// --- Redis limiter ---

// rateLimitKeyPrefix namespaces throttle counters in Redis.
const rateLimitKeyPrefix = "ratelimit:"

// RedisLimiter is a fixed-window limiter shared across replicas. The first
// hit in a window creates the counter and sets its expiry.
type RedisLimiter struct {
	redis  *redis.Client
	scope  string
	max    int
	window time.Duration
}

// NewRedisLimiter allows max hits per key within each window. scope keeps
// separate throttles from sharing counters.
func NewRedisLimiter(rdb *redis.Client, scope string, max int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{redis: rdb, scope: scope, max: max, window: window}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	k := rateLimitKeyPrefix + l.scope + ":" + key

	count, err := l.redis.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incrementing %s: %w", k, err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, k, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("setting expiry on %s: %w", k, err)
		}
	}
	if count <= int64(l.max) {
		return true, 0, nil
	}

	ttl, err := l.redis.PTTL(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("reading ttl of %s: %w", k, err)
	}
	if ttl < 0 {
		// Counter lost its expiry (e.g. the EXPIRE call failed earlier).
		// Restore it so the key cannot block the client forever.
		if err := l.redis.Expire(ctx, k, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("setting expiry on %s: %w", k, err)
		}
		ttl = l.window
	}
	return false, ttl, nil
}
