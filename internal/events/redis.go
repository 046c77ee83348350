package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/savings_vault/internal/owner"
)

// appendScript assigns the next sequence and appends under it in one step, so stream
// entry ids are dense and ordered even with several writers.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
redis.call('XADD', KEYS[1], seq .. '-0',
    'id', ARGV[1], 'kind', ARGV[2], 'owner', ARGV[3],
    'recipient', ARGV[4], 'amount', ARGV[5], 'occurred_at', ARGV[6])
return seq
`)

// RedisStream stores events in a Redis stream whose entry ids are "<sequence>-0".
type RedisStream struct {
	client *redis.Client
	stream string
}

// NewRedisStream builds a stream-backed log under the given key.
func NewRedisStream(client *redis.Client, stream string) *RedisStream {
	return &RedisStream{client: client, stream: stream}
}

func (s *RedisStream) seqKey() string {
	return s.stream + ":seq"
}

// Publish appends the event to the stream.
func (s *RedisStream) Publish(ctx context.Context, event Event) (Event, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	recipient := ""
	if event.Recipient != nil {
		recipient = event.Recipient.String()
	}

	seq, err := appendScript.Run(ctx, s.client, []string{s.stream, s.seqKey()},
		event.ID,
		event.Kind,
		event.Owner.String(),
		recipient,
		event.Amount.String(),
		event.OccurredAt.Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	event.Sequence = seq
	return event, nil
}

// Since reads the stream after the given sequence.
func (s *RedisStream) Since(ctx context.Context, after int64, limit int) ([]Event, error) {
	if after < 0 {
		after = 0
	}
	start := fmt.Sprintf("(%d-0", after)

	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = s.client.XRangeN(ctx, s.stream, start, "+", int64(limit)).Result()
	} else {
		msgs, err = s.client.XRange(ctx, s.stream, start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		event, err := decodeMessage(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

func decodeMessage(msg redis.XMessage) (Event, error) {
	field := func(name string) string {
		v, _ := msg.Values[name].(string)
		return v
	}

	seqPart, _, _ := strings.Cut(msg.ID, "-")
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("decode event id %q: %w", msg.ID, err)
	}

	who, err := owner.Parse(field("owner"))
	if err != nil {
		return Event{}, fmt.Errorf("decode event %q owner: %w", msg.ID, err)
	}
	amount, err := decimal.NewFromString(field("amount"))
	if err != nil {
		return Event{}, fmt.Errorf("decode event %q amount: %w", msg.ID, err)
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, field("occurred_at"))
	if err != nil {
		return Event{}, fmt.Errorf("decode event %q time: %w", msg.ID, err)
	}

	event := Event{
		Sequence:   seq,
		ID:         field("id"),
		Kind:       field("kind"),
		Owner:      who,
		Amount:     amount,
		OccurredAt: occurredAt,
	}
	if r := field("recipient"); r != "" {
		recipient, err := owner.Parse(r)
		if err != nil {
			return Event{}, fmt.Errorf("decode event %q recipient: %w", msg.ID, err)
		}
		event.Recipient = &recipient
	}
	return event, nil
}
