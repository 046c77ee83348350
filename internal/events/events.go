// Package events records the notifications emitted after ledger state changes.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/savings_vault/internal/owner"
)

const (
	// KindDepositAccepted follows a successful deposit.
	KindDepositAccepted = "deposit_accepted"
	// KindWithdrawalAccepted follows a withdrawal whose release succeeded.
	KindWithdrawalAccepted = "withdrawal_accepted"
	// KindTransferAccepted follows a transfer whose release succeeded.
	KindTransferAccepted = "transfer_accepted"
)

// Event is one append-only log entry. Sequence is assigned by the log on append and
// is strictly increasing.
type Event struct {
	Sequence   int64           `json:"sequence"`
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Owner      owner.Address   `json:"owner"`
	Recipient  *owner.Address  `json:"recipient,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher appends events to a log.
type Publisher interface {
	Publish(ctx context.Context, event Event) (Event, error)
}

// Reader pages through a log in sequence order.
type Reader interface {
	// Since returns up to limit events with Sequence > after.
	Since(ctx context.Context, after int64, limit int) ([]Event, error)
}

// Log is a readable publisher.
type Log interface {
	Publisher
	Reader
}

// LoggedPublisher writes every appended event to the structured logger. Failed
// publishes are returned untouched; reporting them is the caller's job.
type LoggedPublisher struct {
	next   Publisher
	logger *slog.Logger
}

// WithLogging decorates a publisher so appended events are also logged.
func WithLogging(next Publisher, logger *slog.Logger) *LoggedPublisher {
	return &LoggedPublisher{next: next, logger: logger}
}

// Publish forwards to the wrapped publisher and logs the stored event.
func (p *LoggedPublisher) Publish(ctx context.Context, event Event) (Event, error) {
	stored, err := p.next.Publish(ctx, event)
	if err != nil || p.logger == nil {
		return stored, err
	}
	attrs := []any{
		"kind", stored.Kind,
		"sequence", stored.Sequence,
		"owner", stored.Owner.String(),
		"amount", stored.Amount.String(),
	}
	if stored.Recipient != nil {
		attrs = append(attrs, "recipient", stored.Recipient.String())
	}
	p.logger.Info("event", attrs...)
	return stored, nil
}
