// Package custody pools deposits from many owners and tracks what each may take out.
//
// Every operation runs start to finish inside one ledger-wide critical section,
// payout release and any compensation included, so no caller observes a debit
// whose release is still in flight. Withdraw and Transfer debit before they
// release. The context handed to the Releaser marks the open section, and ledger
// calls made with it (a rail calling back into the vault) skip the lock and see
// the debit already applied. A release that definitely failed is undone by
// crediting the amount back.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/savings_vault/internal/events"
	"github.com/congo-pay/savings_vault/internal/ledger"
	"github.com/congo-pay/savings_vault/internal/logging"
	"github.com/congo-pay/savings_vault/internal/metrics"
	"github.com/congo-pay/savings_vault/internal/owner"
	"github.com/congo-pay/savings_vault/internal/transport"
	"github.com/congo-pay/savings_vault/internal/units"
)

var (
	// ErrInvalidAmount rejects zero, negative, fractional or oversized base-unit amounts.
	ErrInvalidAmount = errors.New("cannot move zero value")
	// ErrNoEntitlement rejects a withdrawal by an owner holding nothing.
	ErrNoEntitlement = errors.New("no savings for owner")
	// ErrInsufficientEntitlement rejects a transfer larger than the sender holds.
	ErrInsufficientEntitlement = errors.New("cannot send amount greater than savings")
	// ErrTransportFailure wraps a failed release after the debit was restored.
	ErrTransportFailure = errors.New("release failed")
	// ErrReleaseUnresolved wraps a release whose outcome the rail could not report.
	// The debit stays applied until the payout is reconciled.
	ErrReleaseUnresolved = errors.New("release outcome unresolved, debit held")
)

const (
	opDeposit  = "deposit"
	opWithdraw = "withdraw"
	opTransfer = "transfer"
)

// Receipt describes a completed operation.
type Receipt struct {
	Owner     owner.Address
	Recipient *owner.Address
	Amount    decimal.Decimal
	// Entitlement is the owner's balance right after the operation.
	Entitlement decimal.Decimal
	Event       events.Event
}

// Ledger is the custodial savings ledger.
type Ledger struct {
	mu        sync.Mutex
	store     ledger.Store
	releaser  transport.Releaser
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger used for compensation and publish failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the time source stamped on events.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New builds a ledger over store, paying out through releaser and announcing
// accepted operations to publisher. publisher may be nil.
func New(store ledger.Store, releaser transport.Releaser, publisher events.Publisher, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("entitlement store is required")
	}
	if releaser == nil {
		return nil, fmt.Errorf("releaser is required")
	}
	l := &Ledger{
		store:     store,
		releaser:  releaser,
		publisher: publisher,
		logger:    logging.Discard(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// section marks a context as running inside one ledger operation.
type section struct {
	vault *Ledger
	open  atomic.Bool
}

type sectionKey struct{}

// enter takes the ledger lock unless ctx belongs to an operation of this ledger
// that is still running, and returns the context nested work must use.
func (l *Ledger) enter(ctx context.Context) (context.Context, func()) {
	if s, ok := ctx.Value(sectionKey{}).(*section); ok && s.vault == l && s.open.Load() {
		return ctx, func() {}
	}
	l.mu.Lock()
	s := &section{vault: l}
	s.open.Store(true)
	return context.WithValue(ctx, sectionKey{}, s), func() {
		s.open.Store(false)
		l.mu.Unlock()
	}
}

// Deposit credits amount to caller.
func (l *Ledger) Deposit(ctx context.Context, caller owner.Address, amount decimal.Decimal) (rcpt Receipt, err error) {
	defer l.observe(opDeposit, time.Now(), &err)
	if !validAmount(amount) {
		return Receipt{}, ErrInvalidAmount
	}

	ctx, leave := l.enter(ctx)
	defer leave()

	balance, err := l.store.Credit(ctx, caller, amount)
	if err != nil {
		if errors.Is(err, ledger.ErrBalanceOverflow) {
			return Receipt{}, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
		}
		return Receipt{}, fmt.Errorf("credit %s: %w", caller, err)
	}
	rcpt = Receipt{Owner: caller, Amount: amount, Entitlement: balance}
	rcpt.Event = l.publishLocked(ctx, events.Event{Kind: events.KindDepositAccepted, Owner: caller, Amount: amount})
	return rcpt, nil
}

// Withdraw releases the caller's whole entitlement back to the caller.
func (l *Ledger) Withdraw(ctx context.Context, caller owner.Address) (rcpt Receipt, err error) {
	defer l.observe(opWithdraw, time.Now(), &err)

	ctx, leave := l.enter(ctx)
	defer leave()

	amount, err := l.store.Drain(ctx, caller)
	if err != nil {
		return Receipt{}, fmt.Errorf("drain %s: %w", caller, err)
	}
	if !amount.IsPositive() {
		return Receipt{}, ErrNoEntitlement
	}

	if err := l.release(ctx, opWithdraw, caller, caller, amount); err != nil {
		return Receipt{}, err
	}

	rcpt = Receipt{Owner: caller, Amount: amount, Entitlement: decimal.Zero}
	rcpt.Event = l.publishLocked(ctx, events.Event{Kind: events.KindWithdrawalAccepted, Owner: caller, Amount: amount})
	return rcpt, nil
}

// Transfer debits amount from caller and releases it to recipient. The recipient
// may be the caller or the zero address.
func (l *Ledger) Transfer(ctx context.Context, caller, recipient owner.Address, amount decimal.Decimal) (rcpt Receipt, err error) {
	defer l.observe(opTransfer, time.Now(), &err)
	if !validAmount(amount) {
		return Receipt{}, ErrInvalidAmount
	}

	ctx, leave := l.enter(ctx)
	defer leave()

	balance, err := l.store.Debit(ctx, caller, amount)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return Receipt{}, ErrInsufficientEntitlement
		}
		return Receipt{}, fmt.Errorf("debit %s: %w", caller, err)
	}

	if err := l.release(ctx, opTransfer, caller, recipient, amount); err != nil {
		return Receipt{}, err
	}

	to := recipient
	rcpt = Receipt{Owner: caller, Recipient: &to, Amount: amount, Entitlement: balance}
	rcpt.Event = l.publishLocked(ctx, events.Event{Kind: events.KindTransferAccepted, Owner: caller, Recipient: &to, Amount: amount})
	return rcpt, nil
}

// EntitlementOf returns what who may withdraw, zero if who never deposited.
func (l *Ledger) EntitlementOf(ctx context.Context, who owner.Address) (decimal.Decimal, error) {
	ctx, leave := l.enter(ctx)
	defer leave()
	return l.store.Entitlement(ctx, who)
}

// PooledBalance returns the value currently held for all owners.
func (l *Ledger) PooledBalance(ctx context.Context) (decimal.Decimal, error) {
	ctx, leave := l.enter(ctx)
	defer leave()
	return l.store.Total(ctx)
}

// release pays amount to destination. The caller holds the ledger section. A
// definite failure restores the debit; an unknown outcome leaves it in place.
func (l *Ledger) release(ctx context.Context, op string, debited, destination owner.Address, amount decimal.Decimal) error {
	relErr := l.releaser.Release(ctx, destination, amount)
	if relErr == nil {
		return nil
	}

	if errors.Is(relErr, transport.ErrOutcomeUnknown) {
		l.logger.Error("release outcome unknown, debit held for reconciliation",
			"operation", op,
			"owner", debited.String(),
			"destination", destination.String(),
			"amount", amount.String(),
			"error", relErr,
		)
		return fmt.Errorf("%w: %w", ErrReleaseUnresolved, relErr)
	}

	failure := fmt.Errorf("%w: %w", ErrTransportFailure, relErr)

	// The request context may be what failed the release.
	_, credErr := l.store.Credit(context.WithoutCancel(ctx), debited, amount)

	metrics.RecordCompensation(op, credErr == nil)
	if credErr != nil {
		l.logger.Error("release compensation failed",
			"operation", op,
			"owner", debited.String(),
			"amount", amount.String(),
			"release_error", relErr,
			"error", credErr,
		)
		return errors.Join(failure, fmt.Errorf("restore %s: %w", debited, credErr))
	}
	l.logger.Warn("release failed, debit restored",
		"operation", op,
		"owner", debited.String(),
		"destination", destination.String(),
		"amount", amount.String(),
		"error", relErr,
	)
	return failure
}

// publishLocked appends an event for a committed operation. The operation cannot be
// undone at this point, so a publish failure is logged rather than returned.
func (l *Ledger) publishLocked(ctx context.Context, event events.Event) events.Event {
	event.OccurredAt = l.now()
	if l.publisher == nil {
		return event
	}
	stored, err := l.publisher.Publish(context.WithoutCancel(ctx), event)
	if err != nil {
		l.logger.Error("event publish failed",
			"kind", event.Kind,
			"owner", event.Owner.String(),
			"amount", event.Amount.String(),
			"error", err,
		)
		return event
	}
	return stored
}

func (l *Ledger) observe(op string, start time.Time, err *error) {
	metrics.RecordOperation(op, outcome(*err), time.Since(start))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrNoEntitlement):
		return "no_entitlement"
	case errors.Is(err, ErrInsufficientEntitlement):
		return "insufficient_entitlement"
	case errors.Is(err, ErrTransportFailure):
		return "transport_failure"
	case errors.Is(err, ErrReleaseUnresolved):
		return "release_unresolved"
	default:
		return "error"
	}
}

func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.IsInteger() && units.Within(amount)
}
