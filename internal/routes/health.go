package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// breakerState is implemented by releasers that sit behind a circuit breaker.
type breakerState interface {
	State() string
}

// RegisterHealthRoutes adds liveness/readiness style endpoints.
func RegisterHealthRoutes(app *fiber.App, d Deps, rail any) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		dbStatus := "disabled"
		redisStatus := "disabled"
		healthy := true

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if d.DB != nil {
			dbStatus = "ok"
			if err := d.DB.Ping(ctx); err != nil {
				dbStatus = err.Error()
				healthy = false
			}
		}
		if d.Cache != nil {
			redisStatus = "ok"
			if err := d.Cache.Ping(ctx).Err(); err != nil {
				redisStatus = err.Error()
				healthy = false
			}
		}
		railStatus := "in-process"
		if b, ok := rail.(breakerState); ok {
			railStatus = b.State()
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    fiber.Map{"postgres": dbStatus, "redis": redisStatus, "payout_rail": railStatus},
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
