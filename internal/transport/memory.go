package transport

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/savings_vault/internal/owner"
)

// Hook runs inside a release before it is recorded. Returning an error fails the
// release. Hooks may call back into the ledger.
type Hook func(ctx context.Context, destination owner.Address, amount decimal.Decimal) error

// MemoryReleaser simulates the payout rail in process and remembers how much each
// destination received.
type MemoryReleaser struct {
	mu       sync.Mutex
	received map[owner.Address]decimal.Decimal
	hook     Hook
}

// NewMemoryReleaser returns a rail that always succeeds unless a hook says otherwise.
func NewMemoryReleaser() *MemoryReleaser {
	return &MemoryReleaser{received: make(map[owner.Address]decimal.Decimal)}
}

// OnRelease installs a hook. The hook runs without the releaser's lock held.
func (r *MemoryReleaser) OnRelease(hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

// Release credits the destination.
func (r *MemoryReleaser) Release(ctx context.Context, destination owner.Address, amount decimal.Decimal) error {
	r.mu.Lock()
	hook := r.hook
	r.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, destination, amount); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.received[destination]; ok {
		r.received[destination] = prev.Add(amount)
	} else {
		r.received[destination] = amount
	}
	return nil
}

// Received reports the total released to a destination.
func (r *MemoryReleaser) Received(destination owner.Address) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if amount, ok := r.received[destination]; ok {
		return amount
	}
	return decimal.Zero
}
