package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/congo-pay/savings_vault/internal/owner"
)

// SeedEntitlement is a test helper that overwrites an owner's entitlement when using
// the in-memory store, keeping the running total consistent.
func SeedEntitlement(s Store, who owner.Address, amount decimal.Decimal) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.total = mem.total.Sub(mem.balanceLocked(who)).Add(amount)
		mem.entitlements[who] = amount
	}
}

// SumEntitlements adds up every row of the in-memory store independently of its
// running total. Returns zero for other stores.
func SumEntitlements(s Store) decimal.Decimal {
	sum := decimal.Zero
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.RLock()
		defer mem.mu.RUnlock()
		for _, amount := range mem.entitlements {
			sum = sum.Add(amount)
		}
	}
	return sum
}
