package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fablehost/fable-api/internal/config"
	"github.com/fablehost/fable-api/internal/handler"
	"github.com/fablehost/fable-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	RealtimeHandler *handler.RealtimeHandler
	ChatHandler     *handler.ChatHandler
	VoteHandler     *handler.VoteHandler
	NodeID          string
	// OptionalAuth binds claims when present and lets anonymous viewers
	// through; RequiredAuth rejects requests without a valid token.
	OptionalAuth fiber.Handler
	RequiredAuth fiber.Handler
	ActorResolve fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.NodeID))
	app.Get("/metrics", observability.MetricsHandler())

	noop := func(c *fiber.Ctx) error { return c.Next() }
	optionalAuth := deps.OptionalAuth
	if optionalAuth == nil {
		optionalAuth = noop
	}
	requiredAuth := deps.RequiredAuth
	if requiredAuth == nil {
		requiredAuth = noop
	}
	actorResolve := deps.ActorResolve
	if actorResolve == nil {
		actorResolve = noop
	}

	if deps.RealtimeHandler != nil {
		realtime := api.Group("/realtime", optionalAuth, actorResolve)
		deps.RealtimeHandler.Register(realtime)
	}

	if deps.ChatHandler != nil {
		chat := api.Group("/chat", optionalAuth, actorResolve)
		deps.ChatHandler.Register(chat)
	}

	if deps.VoteHandler != nil {
		votes := api.Group("/votes", optionalAuth, actorResolve)
		deps.VoteHandler.Register(votes)
		deps.VoteHandler.RegisterAuthorRoutes(votes, requiredAuth)
	}
}
