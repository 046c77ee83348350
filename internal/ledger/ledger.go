package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/savings_vault/internal/owner"
	"github.com/congo-pay/savings_vault/internal/units"
)

var (
	// ErrInsufficientFunds occurs when an owner's entitlement cannot cover a debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidPosting indicates a non-positive, fractional or oversized amount
	// reached the store.
	ErrInvalidPosting = errors.New("posting amount must be a positive whole number of base units")

	// ErrBalanceOverflow occurs when a credit would push an entitlement past
	// units.MaxBaseUnits.
	ErrBalanceOverflow = errors.New("entitlement would exceed maximum amount")
)

// Store holds the entitlement of every owner. Each method is atomic on its own;
// callers needing a wider critical section serialize above the store.
//
// Owners never seen by the store have an entitlement of zero, and rows are never
// deleted: draining leaves the owner at zero.
type Store interface {
	// Entitlement returns the current entitlement of an owner.
	Entitlement(ctx context.Context, who owner.Address) (decimal.Decimal, error)
	// Total returns the sum of all entitlements.
	Total(ctx context.Context) (decimal.Decimal, error)
	// Credit adds amount to the owner and returns the new entitlement.
	Credit(ctx context.Context, who owner.Address, amount decimal.Decimal) (decimal.Decimal, error)
	// Debit subtracts amount if the owner can cover it and returns the new entitlement.
	Debit(ctx context.Context, who owner.Address, amount decimal.Decimal) (decimal.Decimal, error)
	// Drain sets the owner to zero and returns what was held before.
	Drain(ctx context.Context, who owner.Address) (decimal.Decimal, error)
}

func validPosting(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.IsInteger() || !units.Within(amount) {
		return ErrInvalidPosting
	}
	return nil
}
