package custody

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/savings_vault/internal/events"
	"github.com/congo-pay/savings_vault/internal/ledger"
	"github.com/congo-pay/savings_vault/internal/logging"
	"github.com/congo-pay/savings_vault/internal/owner"
	"github.com/congo-pay/savings_vault/internal/transport"
	"github.com/congo-pay/savings_vault/internal/units"
)

var (
	alice = owner.MustParse("0x00000000000000000000000000000000000a11ce")
	bob   = owner.MustParse("0x0000000000000000000000000000000000000b0b")
)

type fixture struct {
	ledger *Ledger
	store  ledger.Store
	rail   *transport.MemoryReleaser
	log    *events.MemoryLog
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := ledger.NewInMemory()
	rail := transport.NewMemoryReleaser()
	log := events.NewMemoryLog()
	l, err := New(store, rail, log)
	require.NoError(t, err)
	return fixture{ledger: l, store: store, rail: rail, log: log}
}

func (f fixture) entitlement(t *testing.T, who owner.Address) decimal.Decimal {
	t.Helper()
	got, err := f.ledger.EntitlementOf(context.Background(), who)
	require.NoError(t, err)
	return got
}

func (f fixture) pooled(t *testing.T) decimal.Decimal {
	t.Helper()
	got, err := f.ledger.PooledBalance(context.Background())
	require.NoError(t, err)
	return got
}

func (f fixture) assertConserved(t *testing.T) {
	t.Helper()
	assert.Equal(t, ledger.SumEntitlements(f.store).String(), f.pooled(t).String())
}

func ether(s string) decimal.Decimal {
	return units.MustParse(s)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, transport.NewMemoryReleaser(), nil)
	assert.Error(t, err)
	_, err = New(ledger.NewInMemory(), nil, nil)
	assert.Error(t, err)
}

func TestUnknownOwnerHasZeroEntitlement(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.entitlement(t, alice).IsZero())
	assert.True(t, f.pooled(t).IsZero())
}

func TestDepositAccumulatesFractionalAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Deposit(ctx, alice, ether("10"))
	require.NoError(t, err)
	rcpt, err := f.ledger.Deposit(ctx, alice, ether("0.005"))
	require.NoError(t, err)

	assert.True(t, f.entitlement(t, alice).Equal(ether("10.005")))
	assert.True(t, rcpt.Entitlement.Equal(ether("10.005")))
	assert.True(t, f.pooled(t).Equal(ether("10.005")))
	f.assertConserved(t)

	logged := f.log.All()
	require.Len(t, logged, 2)
	assert.Equal(t, events.KindDepositAccepted, logged[1].Kind)
	assert.Equal(t, alice, logged[1].Owner)
	assert.True(t, logged[1].Amount.Equal(ether("0.005")))
	assert.Equal(t, int64(2), rcpt.Event.Sequence)
}

func TestDepositRejectsInvalidAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, alice, ether("1"))
	require.NoError(t, err)

	for name, amount := range map[string]decimal.Decimal{
		"zero":       decimal.Zero,
		"negative":   decimal.NewFromInt(-1),
		"fractional": decimal.RequireFromString("0.5"),
		"too large":  units.MaxBaseUnits.Add(decimal.NewFromInt(1)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.ledger.Deposit(ctx, alice, amount)
			assert.ErrorIs(t, err, ErrInvalidAmount)
			assert.True(t, f.entitlement(t, alice).Equal(ether("1")))
			assert.True(t, f.pooled(t).Equal(ether("1")))
		})
	}
	assert.Len(t, f.log.All(), 1)
}

func TestWithdrawReleasesWholeEntitlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, alice, ether("100"))
	require.NoError(t, err)

	rcpt, err := f.ledger.Withdraw(ctx, alice)
	require.NoError(t, err)

	assert.True(t, rcpt.Amount.Equal(ether("100")))
	assert.True(t, f.entitlement(t, alice).IsZero())
	assert.True(t, f.pooled(t).IsZero())
	assert.True(t, f.rail.Received(alice).Equal(ether("100")))

	logged := f.log.All()
	require.Len(t, logged, 2)
	assert.Equal(t, events.KindWithdrawalAccepted, logged[1].Kind)
	assert.Equal(t, alice, logged[1].Owner)
	assert.True(t, logged[1].Amount.Equal(ether("100")))
}

func TestWithdrawWithoutEntitlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Withdraw(ctx, alice)
	assert.ErrorIs(t, err, ErrNoEntitlement)

	_, err = f.ledger.Deposit(ctx, alice, ether("1"))
	require.NoError(t, err)
	_, err = f.ledger.Withdraw(ctx, alice)
	require.NoError(t, err)
	_, err = f.ledger.Withdraw(ctx, alice)
	assert.ErrorIs(t, err, ErrNoEntitlement)

	assert.True(t, f.rail.Received(alice).Equal(ether("1")))
	assert.Len(t, f.log.All(), 2)
}

func TestDepositAfterFullWithdrawal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, alice, ether("3"))
	require.NoError(t, err)
	_, err = f.ledger.Withdraw(ctx, alice)
	require.NoError(t, err)

	_, err = f.ledger.Deposit(ctx, alice, ether("2"))
	require.NoError(t, err)
	assert.True(t, f.entitlement(t, alice).Equal(ether("2")))
	f.assertConserved(t)
}

func TestTransferDebitsSenderAndPaysRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, alice, ether("10"))
	require.NoError(t, err)

	rcpt, err := f.ledger.Transfer(ctx, alice, bob, ether("9"))
	require.NoError(t, err)
	assert.True(t, rcpt.Entitlement.Equal(ether("1")))
	assert.True(t, f.entitlement(t, alice).Equal(ether("1")))
	assert.True(t, f.rail.Received(bob).Equal(ether("9")))
	assert.True(t, f.entitlement(t, bob).IsZero(), "recipient is paid out, not credited")

	_, err = f.ledger.Transfer(ctx, alice, bob, ether("1"))
	require.NoError(t, err)
	assert.True(t, f.entitlement(t, alice).IsZero())
	assert.True(t, f.pooled(t).IsZero())

	logged := f.log.All()
	require.Len(t, logged, 3)
	assert.Equal(t, events.KindTransferAccepted, logged[1].Kind)
	require.NotNil(t, logged[1].Recipient)
	assert.Equal(t, bob, *logged[1].Recipient)
}

func TestTransferRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, alice, ether("5"))
	require.NoError(t, err)

	_, err = f.ledger.Transfer(ctx, alice, bob, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.ledger.Transfer(ctx, alice, bob, ether("5.000000000000000001"))
	assert.ErrorIs(t, err, ErrInsufficientEntitlement)

	_, err = f.ledger.Transfer(ctx, bob, alice, ether("1"))
	assert.ErrorIs(t, err, ErrInsufficientEntitlement)

	assert.True(t, f.entitlement(t, alice).Equal(ether("5")))
	assert.True(t, f.pooled(t).Equal(ether("5")))
	assert.True(t, f.rail.Received(bob).IsZero())
	assert.Len(t, f.log.All(), 1)
}

func TestTransferToSelfAndZeroAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, alice, ether("4"))
	require.NoError(t, err)

	_, err = f.ledger.Transfer(ctx, alice, alice, ether("1"))
	require.NoError(t, err)
	_, err = f.ledger.Transfer(ctx, alice, owner.Zero, ether("1"))
	require.NoError(t, err)

	assert.True(t, f.entitlement(t, alice).Equal(ether("2")))
	assert.True(t, f.rail.Received(alice).Equal(ether("1")))
	assert.True(t, f.rail.Received(owner.Zero).Equal(ether("1")))
	f.assertConserved(t)
}

func TestReentrantWithdrawSeesZeroedEntitlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, alice, ether("100"))
	require.NoError(t, err)

	var (
		reentered   int
		reentryErr  error
		seenBalance decimal.Decimal
	)
	f.rail.OnRelease(func(ctx context.Context, destination owner.Address, _ decimal.Decimal) error {
		reentered++
		seenBalance, _ = f.ledger.EntitlementOf(ctx, destination)
		_, reentryErr = f.ledger.Withdraw(ctx, destination)
		return nil
	})

	_, err = f.ledger.Withdraw(ctx, alice)
	require.NoError(t, err)

	assert.Equal(t, 1, reentered)
	assert.ErrorIs(t, reentryErr, ErrNoEntitlement)
	assert.True(t, seenBalance.IsZero())
	assert.True(t, f.rail.Received(alice).Equal(ether("100")), "exactly one payout")
	assert.True(t, f.pooled(t).IsZero())
}

func TestReentrantTransferCannotOverspend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, alice, ether("10"))
	require.NoError(t, err)

	var reentryErr error
	f.rail.OnRelease(func(ctx context.Context, destination owner.Address, _ decimal.Decimal) error {
		if destination == bob {
			_, reentryErr = f.ledger.Transfer(ctx, alice, bob, ether("9"))
		}
		return nil
	})

	_, err = f.ledger.Transfer(ctx, alice, bob, ether("9"))
	require.NoError(t, err)
	assert.ErrorIs(t, reentryErr, ErrInsufficientEntitlement)
	assert.True(t, f.rail.Received(bob).Equal(ether("9")))
	assert.True(t, f.entitlement(t, alice).Equal(ether("1")))
}

func TestFailedReleaseRestoresState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, alice, ether("10"))
	require.NoError(t, err)

	boom := errors.New("rail down")
	f.rail.OnRelease(func(context.Context, owner.Address, decimal.Decimal) error { return boom })

	_, err = f.ledger.Withdraw(ctx, alice)
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.ErrorIs(t, err, boom)

	_, err = f.ledger.Transfer(ctx, alice, bob, ether("4"))
	assert.ErrorIs(t, err, ErrTransportFailure)

	assert.True(t, f.entitlement(t, alice).Equal(ether("10")))
	assert.True(t, f.pooled(t).Equal(ether("10")))
	assert.True(t, f.rail.Received(bob).IsZero())
	assert.Len(t, f.log.All(), 1, "no event for failed releases")
	f.assertConserved(t)
}

func TestFailedReleaseKeepsReentrantDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, alice, ether("10"))
	require.NoError(t, err)

	f.rail.OnRelease(func(ctx context.Context, _ owner.Address, _ decimal.Decimal) error {
		if _, err := f.ledger.Deposit(ctx, alice, ether("2")); err != nil {
			return err
		}
		return transport.ErrRejected
	})

	_, err = f.ledger.Withdraw(ctx, alice)
	assert.ErrorIs(t, err, transport.ErrRejected)
	assert.True(t, f.entitlement(t, alice).Equal(ether("12")))
	f.assertConserved(t)
}

// blockRelease makes releases to who wait for the returned unblock channel and
// then fail with err. entered is closed once the release has started.
func (f fixture) blockRelease(who owner.Address, err error) (entered <-chan struct{}, unblock chan<- struct{}) {
	in := make(chan struct{})
	out := make(chan struct{})
	f.rail.OnRelease(func(_ context.Context, destination owner.Address, _ decimal.Decimal) error {
		if destination != who {
			return nil
		}
		close(in)
		<-out
		return err
	})
	return in, out
}

func TestConcurrentTransferWaitsForFailedWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, alice, ether("10"))
	require.NoError(t, err)

	entered, unblock := f.blockRelease(alice, errors.New("rail down"))

	withdrawErr := make(chan error, 1)
	go func() {
		_, err := f.ledger.Withdraw(ctx, alice)
		withdrawErr <- err
	}()
	<-entered

	type result struct {
		rcpt Receipt
		err  error
	}
	transferred := make(chan result, 1)
	go func() {
		rcpt, err := f.ledger.Transfer(context.Background(), alice, bob, ether("5"))
		transferred <- result{rcpt, err}
	}()
	pooled := make(chan decimal.Decimal, 1)
	go func() {
		total, _ := f.ledger.PooledBalance(context.Background())
		pooled <- total
	}()

	select {
	case got := <-transferred:
		t.Fatalf("transfer finished while the withdraw release was in flight: %+v", got)
	case total := <-pooled:
		t.Fatalf("pooled balance %s observed while the withdraw release was in flight", total)
	case <-time.After(100 * time.Millisecond):
	}

	close(unblock)
	require.ErrorIs(t, <-withdrawErr, ErrTransportFailure)

	got := <-transferred
	require.NoError(t, got.err)
	assert.True(t, got.rcpt.Entitlement.Equal(ether("5")))

	total := <-pooled
	assert.True(t, total.Equal(ether("10")) || total.Equal(ether("5")), "pooled %s", total)

	assert.True(t, f.entitlement(t, alice).Equal(ether("5")))
	assert.True(t, f.rail.Received(bob).Equal(ether("5")))
	assert.True(t, f.rail.Received(alice).IsZero())
	f.assertConserved(t)
}

func TestReleaseContextDoesNotOutliveOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, alice, ether("1"))
	require.NoError(t, err)
	_, err = f.ledger.Deposit(ctx, bob, ether("1"))
	require.NoError(t, err)

	var stale context.Context
	f.rail.OnRelease(func(ctx context.Context, _ owner.Address, _ decimal.Decimal) error {
		stale = ctx
		return nil
	})
	_, err = f.ledger.Withdraw(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, stale)

	entered, unblock := f.blockRelease(bob, nil)
	withdrawErr := make(chan error, 1)
	go func() {
		_, err := f.ledger.Withdraw(ctx, bob)
		withdrawErr <- err
	}()
	<-entered

	read := make(chan decimal.Decimal, 1)
	go func() {
		got, _ := f.ledger.EntitlementOf(stale, bob)
		read <- got
	}()
	select {
	case got := <-read:
		t.Fatalf("finished operation's context skipped the lock, read %s", got)
	case <-time.After(100 * time.Millisecond):
	}

	close(unblock)
	require.NoError(t, <-withdrawErr)
	assert.True(t, (<-read).IsZero())
}

func TestUnknownReleaseOutcomeHoldsDebit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, alice, ether("10"))
	require.NoError(t, err)

	f.rail.OnRelease(func(context.Context, owner.Address, decimal.Decimal) error {
		return fmt.Errorf("%w: gateway timed out", transport.ErrOutcomeUnknown)
	})

	_, err = f.ledger.Transfer(ctx, alice, bob, ether("4"))
	assert.ErrorIs(t, err, ErrReleaseUnresolved)
	assert.ErrorIs(t, err, transport.ErrOutcomeUnknown)
	assert.NotErrorIs(t, err, ErrTransportFailure)
	assert.True(t, f.entitlement(t, alice).Equal(ether("6")), "debit stays until reconciled")

	_, err = f.ledger.Withdraw(ctx, alice)
	assert.ErrorIs(t, err, ErrReleaseUnresolved)
	assert.True(t, f.entitlement(t, alice).IsZero())
	assert.True(t, f.pooled(t).IsZero())
	assert.Len(t, f.log.All(), 1, "unresolved releases are not announced")
	f.assertConserved(t)
}

func TestDepositRejectsBalanceOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, bob, units.MaxBaseUnits)
	require.NoError(t, err)

	_, err = f.ledger.Deposit(ctx, bob, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.ErrorIs(t, err, ledger.ErrBalanceOverflow)
	assert.True(t, f.entitlement(t, bob).Equal(units.MaxBaseUnits))

	_, err = f.ledger.Transfer(ctx, bob, alice, units.MaxBaseUnits.Add(decimal.NewFromInt(1)))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	f.assertConserved(t)
}

type brokenCreditStore struct {
	ledger.Store
	fail bool
}

func (s *brokenCreditStore) Credit(ctx context.Context, who owner.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if s.fail {
		return decimal.Zero, errors.New("store offline")
	}
	return s.Store.Credit(ctx, who, amount)
}

func TestFailedCompensationReportsBothErrors(t *testing.T) {
	store := &brokenCreditStore{Store: ledger.NewInMemory()}
	rail := transport.NewMemoryReleaser()
	l, err := New(store, rail, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.Deposit(ctx, alice, ether("1"))
	require.NoError(t, err)

	store.fail = true
	rail.OnRelease(func(context.Context, owner.Address, decimal.Decimal) error { return transport.ErrRejected })

	_, err = l.Withdraw(ctx, alice)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.ErrorIs(t, err, transport.ErrRejected)
	assert.Contains(t, err.Error(), "store offline")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) (events.Event, error) {
	return events.Event{}, errors.New("stream unavailable")
}

func TestPublishFailureDoesNotFailCommittedOperation(t *testing.T) {
	l, err := New(ledger.NewInMemory(), transport.NewMemoryReleaser(), failingPublisher{})
	require.NoError(t, err)

	rcpt, err := l.Deposit(context.Background(), alice, ether("1"))
	require.NoError(t, err)
	assert.Equal(t, events.KindDepositAccepted, rcpt.Event.Kind)
	assert.Zero(t, rcpt.Event.Sequence)
}

func TestPublishFailureIsLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, "debug")
	l, err := New(ledger.NewInMemory(), transport.NewMemoryReleaser(),
		events.WithLogging(failingPublisher{}, logger), WithLogger(logger))
	require.NoError(t, err)

	_, err = l.Deposit(context.Background(), alice, ether("1"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(buf.String(), "event publish failed"), buf.String())
	assert.Contains(t, buf.String(), "stream unavailable")
}

func TestConcurrentOperationsConserveValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owners := []owner.Address{alice, bob, owner.MustParse("0x000000000000000000000000000000000000ca01")}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, who := range owners {
			wg.Add(1)
			go func(who owner.Address, i int) {
				defer wg.Done()
				_, _ = f.ledger.Deposit(ctx, who, ether("1"))
				switch i % 3 {
				case 0:
					_, _ = f.ledger.Transfer(ctx, who, bob, ether("0.5"))
				case 1:
					_, _ = f.ledger.Withdraw(ctx, who)
				}
			}(who, i)
		}
	}
	wg.Wait()

	paidOut := decimal.Zero
	for _, who := range owners {
		paidOut = paidOut.Add(f.rail.Received(who))
	}
	deposited := ether("150")
	assert.Equal(t, deposited.Sub(paidOut).String(), f.pooled(t).String())
	f.assertConserved(t)
}
