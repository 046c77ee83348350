package custody

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/savings_vault/internal/events"
	"github.com/congo-pay/savings_vault/internal/middleware"
	"github.com/congo-pay/savings_vault/internal/owner"
	"github.com/congo-pay/savings_vault/internal/transport"
	"github.com/congo-pay/savings_vault/internal/units"
)

const (
	defaultEventPage = 100
	maxEventPage     = 1000
)

// Handler exposes the savings ledger over HTTP.
type Handler struct {
	ledger *Ledger
	units  units.Converter
	log    events.Reader
}

// NewHandler constructs a savings handler. log may be nil, which disables the
// event feed.
func NewHandler(ledger *Ledger, converter units.Converter, log events.Reader) *Handler {
	return &Handler{ledger: ledger, units: converter, log: log}
}

// Deposit credits the caller.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	var req DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := h.units.Parse(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	rcpt, err := h.ledger.Deposit(c.UserContext(), caller, amount)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(h.toResponse(rcpt))
}

// Withdraw releases the caller's whole entitlement to the caller.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	rcpt, err := h.ledger.Withdraw(c.UserContext(), caller)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(h.toResponse(rcpt))
}

// Transfer sends part of the caller's entitlement to a recipient address.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	var req TransferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	recipient, err := owner.Parse(req.Recipient)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := h.units.Parse(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	rcpt, err := h.ledger.Transfer(c.UserContext(), caller, recipient, amount)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(h.toResponse(rcpt))
}

// Mine returns the caller's entitlement.
func (h *Handler) Mine(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	return h.entitlement(c, caller)
}

// Entitlement returns the entitlement of the owner in the path.
func (h *Handler) Entitlement(c *fiber.Ctx) error {
	who, err := owner.Parse(c.Params("owner"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.entitlement(c, who)
}

func (h *Handler) entitlement(c *fiber.Ctx, who owner.Address) error {
	amount, err := h.ledger.EntitlementOf(c.UserContext(), who)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(EntitlementResponse{Owner: who.Checksum(), Entitlement: h.units.Format(amount)})
}

// Pool returns the pooled balance.
func (h *Handler) Pool(c *fiber.Ctx) error {
	total, err := h.ledger.PooledBalance(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(PoolResponse{Balance: h.units.Format(total)})
}

// Events pages through the event log. ?from is exclusive.
func (h *Handler) Events(c *fiber.Ctx) error {
	if h.log == nil {
		return fiber.NewError(http.StatusNotFound, "event feed disabled")
	}
	from, err := strconv.ParseInt(c.Query("from", "0"), 10, 64)
	if err != nil || from < 0 {
		return fiber.NewError(http.StatusBadRequest, "from must be a non-negative sequence")
	}
	limit, err := strconv.Atoi(c.Query("limit", strconv.Itoa(defaultEventPage)))
	if err != nil || limit <= 0 {
		return fiber.NewError(http.StatusBadRequest, "limit must be positive")
	}
	if limit > maxEventPage {
		limit = maxEventPage
	}

	page, err := h.log.Since(c.UserContext(), from, limit)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	resp := EventPage{Events: make([]EventResponse, 0, len(page)), Next: from}
	for _, ev := range page {
		resp.Events = append(resp.Events, h.toEventResponse(ev))
		resp.Next = ev.Sequence
	}
	return c.JSON(resp)
}

func (h *Handler) toResponse(rcpt Receipt) OperationResponse {
	resp := OperationResponse{
		Owner:       rcpt.Owner.Checksum(),
		Amount:      h.units.Format(rcpt.Amount),
		Entitlement: h.units.Format(rcpt.Entitlement),
		Sequence:    rcpt.Event.Sequence,
	}
	if rcpt.Recipient != nil {
		resp.Recipient = rcpt.Recipient.Checksum()
	}
	return resp
}

func (h *Handler) toEventResponse(ev events.Event) EventResponse {
	resp := EventResponse{
		Sequence:   ev.Sequence,
		ID:         ev.ID,
		Kind:       ev.Kind,
		Owner:      ev.Owner.Checksum(),
		Amount:     h.units.Format(ev.Amount),
		OccurredAt: ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if ev.Recipient != nil {
		resp.Recipient = ev.Recipient.Checksum()
	}
	return resp
}

func callerOf(c *fiber.Ctx) (owner.Address, error) {
	caller, ok := middleware.Caller(c)
	if !ok {
		return owner.Address{}, fiber.NewError(http.StatusUnauthorized, "missing caller identity")
	}
	return caller, nil
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoEntitlement), errors.Is(err, ErrInsufficientEntitlement):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, transport.ErrUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrTransportFailure):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	case errors.Is(err, ErrReleaseUnresolved):
		return fiber.NewError(http.StatusGatewayTimeout, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
