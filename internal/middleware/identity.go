package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/savings_vault/internal/auth"
	"github.com/congo-pay/savings_vault/internal/owner"
)

const callerKey = "caller"

// CallerIdentity verifies the bearer token and stores its subject as the caller's
// owner address. The token is issued by the upstream identity provider.
func CallerIdentity(secret []byte) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		claims, err := auth.ParseAndVerifyHS256(tokenStr, secret)
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				return fiber.NewError(http.StatusUnauthorized, "token expired")
			}
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		sub, _ := claims["sub"].(string)
		caller, err := owner.Parse(sub)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "token subject is not an owner address")
		}

		c.Locals(callerKey, caller)
		return c.Next()
	}
}

// Caller returns the owner set by CallerIdentity.
func Caller(c *fiber.Ctx) (owner.Address, bool) {
	caller, ok := c.Locals(callerKey).(owner.Address)
	return caller, ok
}
