package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/savings_vault/internal/owner"
	"github.com/congo-pay/savings_vault/internal/units"
)

// Schema creates the entitlement table. NUMERIC(78,0) holds any 256-bit amount.
const Schema = `
CREATE TABLE IF NOT EXISTS entitlements (
    owner      TEXT PRIMARY KEY,
    amount     NUMERIC(78, 0) NOT NULL DEFAULT 0 CHECK (amount >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore persists entitlements in PostgreSQL. Every mutation is a single
// guarded statement or a row-locked transaction, so replicas sharing the database
// cannot overdraw an owner.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed entitlement store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Entitlement returns the stored amount for the owner, zero when absent.
func (s *PostgresStore) Entitlement(ctx context.Context, who owner.Address) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRow(ctx, `SELECT amount::text FROM entitlements WHERE owner = $1`, who.String()).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("entitlement %s: %w", who, err)
	}
	return parseAmount(raw)
}

// Total returns the sum of all entitlements.
func (s *PostgresStore) Total(ctx context.Context) (decimal.Decimal, error) {
	var raw string
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM entitlements`).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("total entitlements: %w", err)
	}
	return parseAmount(raw)
}

// Credit upserts the owner row and adds the amount. The update is skipped when the
// sum would pass units.MaxBaseUnits.
func (s *PostgresStore) Credit(ctx context.Context, who owner.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validPosting(amount); err != nil {
		return decimal.Zero, err
	}

	const query = `
        INSERT INTO entitlements (owner, amount) VALUES ($1, $2)
        ON CONFLICT (owner) DO UPDATE
            SET amount = entitlements.amount + EXCLUDED.amount, updated_at = now()
            WHERE entitlements.amount + EXCLUDED.amount <= $3
        RETURNING amount::text`
	var raw string
	err := s.db.QueryRow(ctx, query, who.String(), amount.String(), units.MaxBaseUnits.String()).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, balErr := s.Entitlement(ctx, who)
			if balErr != nil {
				return decimal.Zero, balErr
			}
			return current, ErrBalanceOverflow
		}
		return decimal.Zero, fmt.Errorf("credit %s: %w", who, err)
	}
	return parseAmount(raw)
}

// Debit subtracts the amount only when the stored entitlement covers it.
func (s *PostgresStore) Debit(ctx context.Context, who owner.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validPosting(amount); err != nil {
		return decimal.Zero, err
	}

	const query = `
        UPDATE entitlements SET amount = amount - $2, updated_at = now()
        WHERE owner = $1 AND amount >= $2
        RETURNING amount::text`
	var raw string
	if err := s.db.QueryRow(ctx, query, who.String(), amount.String()).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, balErr := s.Entitlement(ctx, who)
			if balErr != nil {
				return decimal.Zero, balErr
			}
			return current, ErrInsufficientFunds
		}
		return decimal.Zero, fmt.Errorf("debit %s: %w", who, err)
	}
	return parseAmount(raw)
}

// Drain zeroes the owner under a row lock and returns the prior amount.
func (s *PostgresStore) Drain(ctx context.Context, who owner.Address) (decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var raw string
	err = tx.QueryRow(ctx, `SELECT amount::text FROM entitlements WHERE owner = $1 FOR UPDATE`, who.String()).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("lock %s: %w", who, err)
	}
	held, err := parseAmount(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if held.IsZero() {
		return decimal.Zero, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE entitlements SET amount = 0, updated_at = now() WHERE owner = $1`, who.String()); err != nil {
		return decimal.Zero, fmt.Errorf("drain %s: %w", who, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	return held, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode stored amount %q: %w", raw, err)
	}
	return d, nil
}
