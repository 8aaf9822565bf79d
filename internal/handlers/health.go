package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"chatsync/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	registry *services.Registry
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(registry *services.Registry) *HealthHandler {
	return &HealthHandler{registry: registry}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"agents":    len(h.registry.List()),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
