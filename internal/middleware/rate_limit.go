package middleware

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// RateLimit caps mutating requests per caller per minute using a Redis counter.
// Requests without a caller are keyed by IP.
func RateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 30
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next() // no-op without Redis
		}
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		subject := c.IP()
		if caller, ok := Caller(c); ok {
			subject = caller.String()
		}
		key := "rl:ops:" + subject

		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			return c.Next() // fail-open on cache errors
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
		}
		return c.Next()
	}
}
