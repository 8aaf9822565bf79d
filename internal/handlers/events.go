package handlers

import (
	"log"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"chatsync/internal/services"
)

// EventsHandler streams sync events to widget clients over WebSocket
type EventsHandler struct {
	registry *services.Registry
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(registry *services.Registry) *EventsHandler {
	return &EventsHandler{
		registry: registry,
	}
}

// Upgrade gates the route on a WebSocket upgrade request
func (h *EventsHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleConnection subscribes the socket to one agent scope's event bus and
// forwards every event as JSON until the peer goes away.
func (h *EventsHandler) HandleConnection(c *websocket.Conn) {
	scope := c.Params("agent")
	runtime, ok := h.registry.Get(scope)
	if !ok {
		c.WriteJSON(fiber.Map{"error": "Unknown agent"})
		c.Close()
		return
	}

	// Buffered so a slow socket cannot stall the sync loop; overflow drops
	// the event (the client can always poll /sync/status).
	events := make(chan services.Event, 32)
	subID := runtime.Bus.Subscribe("", func(event services.Event) {
		select {
		case events <- event:
		default:
		}
	})
	defer runtime.Bus.Unsubscribe("", subID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			// Reads only serve to detect the peer closing
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Printf("🔌 Event stream opened for scope %s", scope)
	defer log.Printf("🔌 Event stream closed for scope %s", scope)

	for {
		select {
		case <-done:
			return
		case event := <-events:
			if err := c.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
