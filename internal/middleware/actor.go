package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/fablehost/fable-api/internal/identity"
	"github.com/fablehost/fable-api/internal/service"
)

// ResolveActor derives the request's actor identity. Authenticated requests
// act as their registered user; everything else acts as a stable hash of the
// client address. Anonymous addresses are also registered for the periodic
// audit flush.
func ResolveActor(chat service.ChatService, logger zerolog.Logger) fiber.Handler {
	log := logger.With().Str("component", "actor_middleware").Logger()

	return func(c *fiber.Ctx) error {
		if userID, ok := c.Locals("user_id").(uint); ok {
			c.Locals("actor", identity.NewRegistered(userID))
			return c.Next()
		}

		hash, err := chat.RegisterAddress(c.UserContext(), c.IP())
		if err != nil {
			// Identity still resolves without the audit record.
			log.Warn().Err(err).Msg("failed to register client address")
			hash = identity.HashAddress(c.IP())
		}
		c.Locals("actor", identity.NewAnonymous(hash))

		return c.Next()
	}
}

// ActorFromCtx returns the actor bound by ResolveActor, or the zero actor.
func ActorFromCtx(c *fiber.Ctx) identity.Actor {
	if actor, ok := c.Locals("actor").(identity.Actor); ok {
		return actor
	}
	return identity.Actor{}
}

// UserNameFromCtx returns the display name bound from token claims, if any.
func UserNameFromCtx(c *fiber.Ctx) string {
	if name, ok := c.Locals("user_name").(string); ok {
		return name
	}
	return ""
}
