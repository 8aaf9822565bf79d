package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"chatsync/internal/models"
	"chatsync/internal/services"
)

// SessionHandler handles HTTP requests for session lifecycle operations
type SessionHandler struct {
	registry *services.Registry
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(registry *services.Registry) *SessionHandler {
	return &SessionHandler{
		registry: registry,
	}
}

func (h *SessionHandler) runtime(c *fiber.Ctx) (*services.AgentRuntime, error) {
	scope := c.Params("agent")
	runtime, ok := h.registry.Get(scope)
	if !ok {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown agent",
		})
	}
	return runtime, nil
}

// ListAgents returns the registered agent endpoints
// GET /api/agents
func (h *SessionHandler) ListAgents(c *fiber.Ctx) error {
	type agentInfo struct {
		Scope string `json:"scope"`
		Name  string `json:"name"`
		URL   string `json:"url"`
	}

	agents := make([]agentInfo, 0)
	for _, runtime := range h.registry.List() {
		agents = append(agents, agentInfo{
			Scope: runtime.Scope,
			Name:  runtime.Name,
			URL:   runtime.URL,
		})
	}
	return c.JSON(agents)
}

// List returns session metadata for one agent scope
// GET /api/agents/:agent/sessions?include_archived=true
func (h *SessionHandler) List(c *fiber.Ctx) error {
	runtime, err := h.runtime(c)
	if runtime == nil {
		return err
	}

	includeArchived := c.Query("include_archived") == "true"
	var sessions []models.SessionMetadata
	if includeArchived {
		sessions = runtime.Service.AllSessions(c.Context())
	} else {
		sessions = runtime.Service.Sessions(c.Context())
	}

	return c.JSON(fiber.Map{
		"sessions":        sessions,
		"activeSessionId": runtime.Service.ActiveSessionID(c.Context()),
	})
}

// Create creates a new session and makes it active
// POST /api/agents/:agent/sessions
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	runtime, err := h.runtime(c)
	if runtime == nil {
		return err
	}

	var req struct {
		Name string `json:"name"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	sess, createErr := runtime.Service.CreateNewSession(c.Context(), req.Name)
	if createErr != nil {
		log.Printf("❌ Failed to create session: %v", createErr)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create session",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(sess)
}

// Active returns the full active session
// GET /api/agents/:agent/sessions/active
func (h *SessionHandler) Active(c *fiber.Ctx) error {
	runtime, err := h.runtime(c)
	if runtime == nil {
		return err
	}

	sess := runtime.Service.ActiveSession(c.Context())
	if sess == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active session",
		})
	}
	return c.JSON(sess)
}

// Switch changes the active session
// PUT /api/agents/:agent/sessions/active
func (h *SessionHandler) Switch(c *fiber.Ctx) error {
	runtime, err := h.runtime(c)
	if runtime == nil {
		return err
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := c.BodyParser(&req); err != nil || req.ID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Session ID is required",
		})
	}

	if switchErr := runtime.Service.SwitchSession(c.Context(), req.ID); switchErr != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}

	return c.JSON(fiber.Map{
		"success":         true,
		"activeSessionId": req.ID,
	})
}

// Rename changes a session's display title
// PUT /api/agents/:agent/sessions/:id/name
func (h *SessionHandler) Rename(c *fiber.Ctx) error {
	runtime, err := h.runtime(c)
	if runtime == nil {
		return err
	}

	sessionID := c.Params("id")
	var req struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil || req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Session name is required",
		})
	}

	if renameErr := runtime.Service.RenameSession(c.Context(), sessionID, req.Name); renameErr != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}

	log.Printf("✅ Session %s renamed to %q", sessionID, req.Name)
	return c.JSON(fiber.Map{"success": true})
}

// Archive soft-deletes a session
// DELETE /api/agents/:agent/sessions/:id
func (h *SessionHandler) Archive(c *fiber.Ctx) error {
	runtime, err := h.runtime(c)
	if runtime == nil {
		return err
	}

	sessionID := c.Params("id")
	if archiveErr := runtime.Service.ArchiveSession(c.Context(), sessionID); archiveErr != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}

	log.Printf("✅ Session %s archived", sessionID)
	return c.JSON(fiber.Map{
		"success":         true,
		"activeSessionId": runtime.Service.ActiveSessionID(c.Context()),
	})
}

// UpdateMessages replaces the active session's message list
// PUT /api/agents/:agent/sessions/active/messages
func (h *SessionHandler) UpdateMessages(c *fiber.Ctx) error {
	runtime, err := h.runtime(c)
	if runtime == nil {
		return err
	}

	var req struct {
		Messages  []models.Message `json:"messages"`
		ContextID string           `json:"contextId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if updateErr := runtime.Service.UpdateSessionMessages(c.Context(), req.Messages, req.ContextID); updateErr != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": updateErr.Error(),
		})
	}

	return c.JSON(fiber.Map{"success": true})
}
