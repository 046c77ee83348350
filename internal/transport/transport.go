// Package transport moves value out of the pool to a destination address.
package transport

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/savings_vault/internal/owner"
)

var (
	// ErrRejected is a definite refusal by the payout rail. No value left the pool.
	ErrRejected = errors.New("release rejected")

	// ErrOutcomeUnknown means the rail could not say whether the payout happened.
	// Value may have left the pool, so the release must not be treated as undone.
	ErrOutcomeUnknown = errors.New("release outcome unknown")
)

// Releaser is the connector to the external payout rail. A release either moves the
// whole amount or nothing. A nil error means the amount left the pool. An error
// wrapping ErrOutcomeUnknown means it may have; every other error means it did not.
type Releaser interface {
	Release(ctx context.Context, destination owner.Address, amount decimal.Decimal) error
}

// ReleaseFunc adapts a function to the Releaser interface.
type ReleaseFunc func(ctx context.Context, destination owner.Address, amount decimal.Decimal) error

// Release calls f.
func (f ReleaseFunc) Release(ctx context.Context, destination owner.Address, amount decimal.Decimal) error {
	return f(ctx, destination, amount)
}
