package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/savings_vault/internal/custody"
)

// RegisterSavingsRoutes wires the savings ledger endpoints. mutating guards the
// deposit, withdraw and transfer routes.
func RegisterSavingsRoutes(r fiber.Router, h *custody.Handler, mutating ...fiber.Handler) {
	chain := func(final fiber.Handler) []fiber.Handler {
		return append(append([]fiber.Handler{}, mutating...), final)
	}
	savings := r.Group("/savings")
	savings.Post("/deposit", chain(h.Deposit)...)
	savings.Post("/withdraw", chain(h.Withdraw)...)
	savings.Post("/transfer", chain(h.Transfer)...)
	savings.Get("/me", h.Mine)
	savings.Get("/:owner", h.Entitlement)

	r.Get("/pool/balance", h.Pool)
	r.Get("/events", h.Events)
}
