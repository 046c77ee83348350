package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName         = "SavingsVault"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultUnitDecimals    = 18
	defaultReleaseTimeout  = 10 * time.Second
	defaultReleaseAttempts = 3
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
	defaultEventStream     = "savings:events"
	defaultRateLimit       = 30
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	JWTSecret      string

	// UnitDecimals is the number of decimals between display units and base units.
	UnitDecimals int32

	// ReleaseEndpoint is the payout gateway URL. Empty selects the in-process rail,
	// which is only allowed in development.
	ReleaseEndpoint        string
	ReleaseTimeout         time.Duration
	// ReleaseAttempts bounds how often one payout is submitted, under the same
	// reference, while the gateway's answer is unknown.
	ReleaseAttempts        int
	ReleaseBreakerFailures uint32
	ReleaseBreakerCooldown time.Duration

	EventStream        string
	RateLimitPerMinute int
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:                getEnv("APP_NAME", defaultAppName),
		AppEnv:                 getEnv("APP_ENV", defaultAppEnv),
		Port:                   getEnv("PORT", defaultPort),
		LogLevel:               strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		ShutdownPeriod:         defaultShutdownDelay,
		IdempotencyTTL:         defaultIdempotencyTTL,
		JWTSecret:              os.Getenv("JWT_SECRET"),
		UnitDecimals:           defaultUnitDecimals,
		ReleaseEndpoint:        os.Getenv("RELEASE_ENDPOINT"),
		ReleaseTimeout:         defaultReleaseTimeout,
		ReleaseAttempts:        defaultReleaseAttempts,
		ReleaseBreakerFailures: defaultBreakerFailures,
		ReleaseBreakerCooldown: defaultBreakerCooldown,
		EventStream:            getEnv("EVENT_STREAM", defaultEventStream),
		RateLimitPerMinute:     defaultRateLimit,
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.ReleaseTimeout, err = durationEnv("", "RELEASE_TIMEOUT", cfg.ReleaseTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ReleaseBreakerCooldown, err = durationEnv("", "RELEASE_BREAKER_COOLDOWN", cfg.ReleaseBreakerCooldown); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("UNIT_DECIMALS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil || n > 36 {
			return Config{}, fmt.Errorf("invalid UNIT_DECIMALS: %q", v)
		}
		cfg.UnitDecimals = int32(n)
	}
	if v := os.Getenv("RELEASE_BREAKER_FAILURES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return Config{}, fmt.Errorf("invalid RELEASE_BREAKER_FAILURES: %q", v)
		}
		cfg.ReleaseBreakerFailures = uint32(n)
	}
	if v := os.Getenv("RELEASE_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10 {
			return Config{}, fmt.Errorf("invalid RELEASE_ATTEMPTS: %q", v)
		}
		cfg.ReleaseAttempts = n
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %q", v)
		}
		cfg.RateLimitPerMinute = n
	}

	if !cfg.IsDevelopment() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
		if cfg.JWTSecret == "" {
			return Config{}, fmt.Errorf("JWT_SECRET must be set")
		}
		if cfg.ReleaseEndpoint == "" {
			return Config{}, fmt.Errorf("RELEASE_ENDPOINT must be set")
		}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}

	return cfg, nil
}

// IsDevelopment reports whether in-memory backends may stand in for Postgres,
// Redis and the payout gateway.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// durationEnv reads a whole-seconds variable first, then a Go duration string.
func durationEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if secondsKey != "" {
		if v := os.Getenv(secondsKey); v != "" {
			seconds, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
			}
			return time.Duration(seconds) * time.Second, nil
		}
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
