package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"chatsync/internal/services"
)

// SyncHandler handles HTTP requests for sync status and triggers
type SyncHandler struct {
	registry *services.Registry
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(registry *services.Registry) *SyncHandler {
	return &SyncHandler{
		registry: registry,
	}
}

func (h *SyncHandler) runtime(c *fiber.Ctx) (*services.AgentRuntime, error) {
	scope := c.Params("agent")
	runtime, ok := h.registry.Get(scope)
	if !ok {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown agent",
		})
	}
	return runtime, nil
}

// Status returns the transient sync status for one agent scope
// GET /api/agents/:agent/sync/status
func (h *SyncHandler) Status(c *fiber.Ctx) error {
	runtime, err := h.runtime(c)
	if runtime == nil {
		return err
	}
	return c.JSON(runtime.Service.SyncStatus())
}

// Trigger runs a manual, cache-clearing full sync
// POST /api/agents/:agent/sync
func (h *SyncHandler) Trigger(c *fiber.Ctx) error {
	runtime, err := h.runtime(c)
	if runtime == nil {
		return err
	}

	if !runtime.Service.SyncEnabled() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Server sync is disabled",
		})
	}

	if syncErr := runtime.Service.TriggerSync(c.Context()); syncErr != nil {
		log.Printf("❌ Manual sync failed for scope %s: %v", runtime.Scope, syncErr)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":  "Sync failed",
			"status": runtime.Service.SyncStatus(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"status":  runtime.Service.SyncStatus(),
	})
}

// SyncThread force-refreshes the active session's remote thread
// POST /api/agents/:agent/sync/thread
func (h *SyncHandler) SyncThread(c *fiber.Ctx) error {
	runtime, err := h.runtime(c)
	if runtime == nil {
		return err
	}

	if !runtime.Service.SyncEnabled() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Server sync is disabled",
		})
	}

	if syncErr := runtime.Service.SyncCurrentThread(c.Context()); syncErr != nil {
		log.Printf("❌ Thread sync failed for scope %s: %v", runtime.Scope, syncErr)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Thread sync failed",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

// Online delivers a connectivity transition from the embedding page. The
// widget forwards the browser's online/offline events here so the sync loop
// can halt and resume with the tab's connectivity.
// PUT /api/agents/:agent/sync/online
func (h *SyncHandler) Online(c *fiber.Ctx) error {
	runtime, err := h.runtime(c)
	if runtime == nil {
		return err
	}

	var req struct {
		Online *bool `json:"online"`
	}
	if err := c.BodyParser(&req); err != nil || req.Online == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Field \"online\" is required",
		})
	}

	if runtime.Manager != nil {
		runtime.Manager.SetOnline(*req.Online)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"status":  runtime.Service.SyncStatus(),
	})
}
