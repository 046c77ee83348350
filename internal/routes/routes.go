package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/savings_vault/internal/config"
	"github.com/congo-pay/savings_vault/internal/custody"
	"github.com/congo-pay/savings_vault/internal/events"
	"github.com/congo-pay/savings_vault/internal/ledger"
	"github.com/congo-pay/savings_vault/internal/logging"
	"github.com/congo-pay/savings_vault/internal/metrics"
	"github.com/congo-pay/savings_vault/internal/middleware"
	"github.com/congo-pay/savings_vault/internal/transport"
	"github.com/congo-pay/savings_vault/internal/units"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger

	// Releaser overrides the payout rail chosen from configuration.
	Releaser transport.Releaser
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))
	app.Use(metrics.Middleware())

	// Backends
	var store ledger.Store
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
	} else {
		store = ledger.NewInMemory()
	}

	var log events.Log
	if d.Cache != nil {
		log = events.NewRedisStream(d.Cache, d.Cfg.EventStream)
	} else {
		log = events.NewMemoryLog()
	}

	rail, err := buildReleaser(d)
	if err != nil {
		return err
	}

	vault, err := custody.New(store, rail, events.WithLogging(log, d.Logger), custody.WithLogger(d.Logger))
	if err != nil {
		return err
	}
	savingsHandler := custody.NewHandler(vault, units.NewConverter(d.Cfg.UnitDecimals), log)

	// Health and metrics
	RegisterHealthRoutes(app, d, rail)
	app.Get("/metrics", metrics.Handler())

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID := middleware.RequestIDFrom(c)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	protected := api.Group("", middleware.CallerIdentity([]byte(d.Cfg.JWTSecret)))
	RegisterSavingsRoutes(protected, savingsHandler,
		middleware.RateLimit(d.Cache, d.Cfg.RateLimitPerMinute),
		middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger),
	)

	return nil
}

// buildReleaser picks the payout rail. The HTTP gateway always sits behind a
// circuit breaker; the in-process rail is for development only.
func buildReleaser(d Deps) (transport.Releaser, error) {
	if d.Releaser != nil {
		return d.Releaser, nil
	}
	if d.Cfg.ReleaseEndpoint == "" {
		if !d.Cfg.IsDevelopment() {
			return nil, fmt.Errorf("payout endpoint is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		d.Logger.Warn("using in-process payout rail")
		return transport.NewMemoryReleaser(), nil
	}
	gateway := transport.NewGatewayReleaser(d.Cfg.ReleaseEndpoint, d.Cfg.ReleaseTimeout,
		transport.WithAttempts(d.Cfg.ReleaseAttempts))
	return transport.WithBreaker(gateway, transport.BreakerConfig{
		ConsecutiveFailures: d.Cfg.ReleaseBreakerFailures,
		Cooldown:            d.Cfg.ReleaseBreakerCooldown,
	}, d.Logger), nil
}
