package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/securechat/internal/utils"
)

// RateLimiter is a fixed-window counter shared through Redis.
type RateLimiter struct {
	Redis  *redis.Client
	Prefix string
	Limit  int
	Window time.Duration
	Log    *zap.SugaredLogger
}

func NewRateLimiter(r *redis.Client, prefix string, limit int, window time.Duration, logger *zap.SugaredLogger) *RateLimiter {
	return &RateLimiter{Redis: r, Prefix: prefix, Limit: limit, Window: window, Log: logger}
}

// ByUser keys the window on the authenticated caller, falling back to the IP.
func ByUser(c *fiber.Ctx) string {
	if id := UserID(c); id != "" {
		return "user:" + id
	}
	return "ip:" + c.IP()
}

func (r *RateLimiter) MiddlewareByKey(keyFunc func(c *fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		redisKey := fmt.Sprintf("%s:ratelimit:%s", r.Prefix, keyFunc(c))

		pipe := r.Redis.TxPipeline()
		incr := pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, r.Window)
		if _, err := pipe.Exec(ctx); err != nil {
			// the limiter being down should not take the API down with it
			if r.Log != nil {
				r.Log.Warnw("rate limiter unavailable", "key", redisKey, "error", err)
			}
			return c.Next()
		}
		if incr.Val() > int64(r.Limit) {
			return utils.JSONError(c, fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		return c.Next()
	}
}
