package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/savings_vault/internal/units"
)

// Runs only when TEST_DATABASE_URL points at a disposable database.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, Schema)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE entitlements`)
	require.NoError(t, err)
	return NewPostgresStore(pool)
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	bal, err := s.Credit(ctx, alice, amt(10))
	require.NoError(t, err)
	assert.True(t, bal.Equal(amt(10)))

	_, err = s.Debit(ctx, alice, amt(11))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	bal, err = s.Debit(ctx, alice, amt(9))
	require.NoError(t, err)
	assert.True(t, bal.Equal(amt(1)))

	_, err = s.Credit(ctx, bob, amt(4))
	require.NoError(t, err)

	total, err := s.Total(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(amt(5)))

	held, err := s.Drain(ctx, alice)
	require.NoError(t, err)
	assert.True(t, held.Equal(amt(1)))

	bal, err = s.Entitlement(ctx, alice)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestPostgresStore_CreditStopsAtMaximum(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	_, err := s.Credit(ctx, alice, units.MaxBaseUnits)
	require.NoError(t, err)

	bal, err := s.Credit(ctx, alice, amt(1))
	assert.ErrorIs(t, err, ErrBalanceOverflow)
	assert.True(t, bal.Equal(units.MaxBaseUnits))

	_, err = s.Credit(ctx, bob, units.MaxBaseUnits.Add(amt(1)))
	assert.ErrorIs(t, err, ErrInvalidPosting)
}
