package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/fablehost/fable-api/internal/config"
	"github.com/fablehost/fable-api/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	NodeID      string    `json:"node_id"`
}

// HealthCheck returns a handler that reports application health information.
// NodeID identifies this process in the cross-process fanout bridge, which is
// useful when diagnosing echo or delivery problems across replicas.
func HealthCheck(cfg config.Config, nodeID string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			NodeID:      nodeID,
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
