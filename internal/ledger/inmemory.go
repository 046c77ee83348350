package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/savings_vault/internal/owner"
	"github.com/congo-pay/savings_vault/internal/units"
)

type inMemoryStore struct {
	mu           sync.RWMutex
	entitlements map[owner.Address]decimal.Decimal
	total        decimal.Decimal
}

// NewInMemory creates a concurrency-safe in-memory store useful for unit tests and
// local development.
func NewInMemory() Store {
	return &inMemoryStore{
		entitlements: make(map[owner.Address]decimal.Decimal),
		total:        decimal.Zero,
	}
}

func (s *inMemoryStore) Entitlement(_ context.Context, who owner.Address) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if amount, ok := s.entitlements[who]; ok {
		return amount, nil
	}
	return decimal.Zero, nil
}

func (s *inMemoryStore) Total(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total, nil
}

func (s *inMemoryStore) Credit(_ context.Context, who owner.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validPosting(amount); err != nil {
		return decimal.Zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.balanceLocked(who).Add(amount)
	if !units.Within(balance) {
		return s.balanceLocked(who), ErrBalanceOverflow
	}
	s.entitlements[who] = balance
	s.total = s.total.Add(amount)
	return balance, nil
}

func (s *inMemoryStore) Debit(_ context.Context, who owner.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validPosting(amount); err != nil {
		return decimal.Zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.balanceLocked(who)
	if balance.LessThan(amount) {
		return balance, ErrInsufficientFunds
	}

	balance = balance.Sub(amount)
	s.entitlements[who] = balance
	s.total = s.total.Sub(amount)
	return balance, nil
}

func (s *inMemoryStore) Drain(_ context.Context, who owner.Address) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.balanceLocked(who)
	if held.IsZero() {
		return decimal.Zero, nil
	}
	s.entitlements[who] = decimal.Zero
	s.total = s.total.Sub(held)
	return held, nil
}

func (s *inMemoryStore) balanceLocked(who owner.Address) decimal.Decimal {
	if amount, ok := s.entitlements[who]; ok {
		return amount
	}
	return decimal.Zero
}
