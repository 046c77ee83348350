package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/savings_vault/internal/owner"
)

const (
	defaultGatewayTimeout  = 10 * time.Second
	defaultGatewayAttempts = 3
	defaultGatewayBackoff  = 200 * time.Millisecond
	gatewayUserAgent       = "savings-vault/1"

	statusSettled = "settled"
	statusPending = "pending"
)

type payoutRequest struct {
	Reference   string `json:"reference"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

type payoutResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

// GatewayReleaser posts payouts to an HTTP payout gateway.
//
// Every payout carries one reference, sent as the Idempotency-Key, for all of its
// attempts. A 2xx "settled" answer completes the release. A 4xx answer, or a 2xx
// answer with any status other than "settled" or "pending", is a definite
// rejection. Timeouts, dropped connections, 5xx answers, 409 and "pending" leave
// the outcome open, and the payout is resubmitted under the same reference until
// the gateway decides or the attempts run out.
type GatewayReleaser struct {
	endpoint string
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	client   *fiber.Client
}

// GatewayOption customizes a GatewayReleaser.
type GatewayOption func(*GatewayReleaser)

// WithAttempts bounds how many times one payout is submitted.
func WithAttempts(n int) GatewayOption {
	return func(g *GatewayReleaser) {
		if n > 0 {
			g.attempts = n
		}
	}
}

// WithBackoff sets the pause before the first resubmission. It doubles afterwards.
func WithBackoff(d time.Duration) GatewayOption {
	return func(g *GatewayReleaser) {
		if d >= 0 {
			g.backoff = d
		}
	}
}

// NewGatewayReleaser builds a releaser for the given endpoint URL. timeout applies
// to each attempt.
func NewGatewayReleaser(endpoint string, timeout time.Duration, opts ...GatewayOption) *GatewayReleaser {
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	g := &GatewayReleaser{
		endpoint: endpoint,
		timeout:  timeout,
		attempts: defaultGatewayAttempts,
		backoff:  defaultGatewayBackoff,
		client:   &fiber.Client{UserAgent: gatewayUserAgent},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Release submits one payout and waits until the gateway settles or rejects it.
// When every attempt ends without a decision the error wraps ErrOutcomeUnknown.
//
// Only the first attempt honors ctx cancellation. Once a request may have reached
// the gateway, follow-up attempts run to their own timeout so the outcome gets
// resolved even if the caller went away.
func (g *GatewayReleaser) Release(ctx context.Context, destination owner.Address, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := payoutRequest{
		Reference:   uuid.NewString(),
		Destination: destination.String(),
		Amount:      amount.String(),
	}

	var lastErr error
	wait := g.backoff
	for attempt := 1; attempt <= g.attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(wait)
			wait *= 2
		}
		timeout := g.timeout
		if attempt == 1 {
			if timeout = clampToDeadline(ctx, timeout); timeout <= 0 {
				return context.DeadlineExceeded
			}
		}

		decided, err := g.submit(req, timeout)
		if decided {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: payout %s after %d attempts: %v", ErrOutcomeUnknown, req.Reference, g.attempts, lastErr)
}

// submit posts the payout once. decided is false when the gateway may or may not
// have acted on it.
func (g *GatewayReleaser) submit(req payoutRequest, timeout time.Duration) (decided bool, err error) {
	agent := g.client.Post(g.endpoint).
		Set("Idempotency-Key", req.Reference).
		JSON(req).
		Timeout(timeout)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return false, fmt.Errorf("payout %s: %w", req.Reference, errors.Join(errs...))
	}

	var resp payoutResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return false, fmt.Errorf("payout %s: decode response (status %d): %w", req.Reference, code, err)
		}
	}

	switch {
	case code >= 200 && code < 300 && resp.Status == statusSettled:
		return true, nil
	case code >= 200 && code < 300 && resp.Status == statusPending:
		return false, fmt.Errorf("payout %s: still pending", req.Reference)
	case code >= 200 && code < 300:
		return true, fmt.Errorf("%w: %s %s (status %d)", ErrRejected, resp.Status, resp.Reason, code)
	case code == http.StatusConflict:
		return false, fmt.Errorf("payout %s: reference in flight", req.Reference)
	case code >= 400 && code < 500:
		return true, fmt.Errorf("%w: %s (status %d)", ErrRejected, resp.Reason, code)
	default:
		return false, fmt.Errorf("payout %s: gateway status %d %s", req.Reference, code, resp.Status)
	}
}

func clampToDeadline(ctx context.Context, timeout time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			return remaining
		}
	}
	return timeout
}
