package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/congo-pay/savings_vault/internal/owner"
)

// ErrUnavailable is returned without contacting the rail while the breaker is open.
var ErrUnavailable = errors.New("payout rail unavailable")

// BreakerConfig tunes the circuit breaker in front of the payout rail.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	Cooldown            time.Duration
	HalfOpenRequests    uint32
}

// BreakerReleaser short-circuits releases after repeated rail failures. Rejections
// are business outcomes and do not count against the rail's health.
type BreakerReleaser struct {
	next    Releaser
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps a releaser in a circuit breaker.
func WithBreaker(next Releaser, cfg BreakerConfig, logger *slog.Logger) *BreakerReleaser {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	settings := gobreaker.Settings{
		Name:        "payout-rail",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	}
	return &BreakerReleaser{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Release forwards to the wrapped releaser unless the breaker is open.
func (b *BreakerReleaser) Release(ctx context.Context, destination owner.Address, amount decimal.Decimal) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.next.Release(ctx, destination, amount)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// State reports the breaker state for health checks.
func (b *BreakerReleaser) State() string {
	return b.breaker.State().String()
}
