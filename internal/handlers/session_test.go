package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"chatsync/internal/models"
	"chatsync/internal/services"
	"chatsync/internal/storage"
)

// newTestApp wires the REST surface over an in-memory registry with one
// registered agent and sync disabled; the scope of that agent is returned for
// building request paths.
func newTestApp(t *testing.T) (*fiber.App, *services.Registry, string) {
	t.Helper()

	registry := services.NewRegistry(storage.NewMemoryStore(), models.SyncConfig{})
	runtime, err := registry.Register(context.Background(), "test-agent", "http://agent.test/rpc")
	if err != nil {
		t.Fatalf("Failed to register agent: %v", err)
	}
	t.Cleanup(registry.Close)

	sessionHandler := NewSessionHandler(registry)
	syncHandler := NewSyncHandler(registry)

	app := fiber.New()
	app.Get("/api/agents", sessionHandler.ListAgents)
	app.Get("/api/agents/:agent/sessions", sessionHandler.List)
	app.Post("/api/agents/:agent/sessions", sessionHandler.Create)
	app.Get("/api/agents/:agent/sessions/active", sessionHandler.Active)
	app.Put("/api/agents/:agent/sessions/active", sessionHandler.Switch)
	app.Put("/api/agents/:agent/sessions/active/messages", sessionHandler.UpdateMessages)
	app.Put("/api/agents/:agent/sessions/:id/name", sessionHandler.Rename)
	app.Delete("/api/agents/:agent/sessions/:id", sessionHandler.Archive)
	app.Get("/api/agents/:agent/sync/status", syncHandler.Status)
	app.Post("/api/agents/:agent/sync", syncHandler.Trigger)
	app.Put("/api/agents/:agent/sync/online", syncHandler.Online)

	return app, registry, runtime.Scope
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	var result map[string]interface{}
	if len(respBody) > 0 {
		json.Unmarshal(respBody, &result)
	}
	return resp.StatusCode, result
}

func TestUnknownAgentScope(t *testing.T) {
	app, _, _ := newTestApp(t)

	status, result := doJSON(t, app, "GET", "/api/agents/deadbeef00000000/sessions", nil)
	if status != fiber.StatusNotFound {
		t.Errorf("Expected status %d, got %d", fiber.StatusNotFound, status)
	}
	if result["error"] != "Unknown agent" {
		t.Errorf("Expected Unknown agent error, got %v", result["error"])
	}
}

func TestListAgents(t *testing.T) {
	app, _, scope := newTestApp(t)

	req := httptest.NewRequest("GET", "/api/agents", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var agents []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("Expected 1 agent, got %d", len(agents))
	}
	if agents[0]["scope"] != scope || agents[0]["name"] != "test-agent" {
		t.Errorf("Unexpected agent entry: %v", agents[0])
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	app, _, scope := newTestApp(t)
	base := "/api/agents/" + scope

	// Empty store: list is empty, no active session
	status, result := doJSON(t, app, "GET", base+"/sessions", nil)
	if status != fiber.StatusOK {
		t.Fatalf("List failed with status %d", status)
	}
	if sessions := result["sessions"].([]interface{}); len(sessions) != 0 {
		t.Errorf("Expected empty session list, got %d", len(sessions))
	}

	status, _ = doJSON(t, app, "GET", base+"/sessions/active", nil)
	if status != fiber.StatusNotFound {
		t.Errorf("Expected 404 for no active session, got %d", status)
	}

	// Create activates
	status, created := doJSON(t, app, "POST", base+"/sessions", map[string]string{"name": "Support chat"})
	if status != fiber.StatusCreated {
		t.Fatalf("Create failed with status %d", status)
	}
	sessionID := created["id"].(string)
	if created["name"] != "Support chat" {
		t.Errorf("Name = %v, want Support chat", created["name"])
	}

	status, result = doJSON(t, app, "GET", base+"/sessions", nil)
	if status != fiber.StatusOK || result["activeSessionId"] != sessionID {
		t.Errorf("Expected active session %s, got %v (status %d)", sessionID, result["activeSessionId"], status)
	}

	// Rename
	status, _ = doJSON(t, app, "PUT", base+"/sessions/"+sessionID+"/name", map[string]string{"name": "Renamed"})
	if status != fiber.StatusOK {
		t.Errorf("Rename failed with status %d", status)
	}

	status, active := doJSON(t, app, "GET", base+"/sessions/active", nil)
	if status != fiber.StatusOK || active["name"] != "Renamed" {
		t.Errorf("Active session name = %v (status %d), want Renamed", active["name"], status)
	}

	// Replace the active message buffer
	status, _ = doJSON(t, app, "PUT", base+"/sessions/active/messages", map[string]interface{}{
		"messages": []map[string]interface{}{
			{"id": "m1", "content": "hi", "sender": "user", "timestamp": 1000},
		},
		"contextId": "ctx-1",
	})
	if status != fiber.StatusOK {
		t.Errorf("UpdateMessages failed with status %d", status)
	}

	status, active = doJSON(t, app, "GET", base+"/sessions/active", nil)
	if status != fiber.StatusOK {
		t.Fatalf("Active fetch failed with status %d", status)
	}
	messages := active["messages"].([]interface{})
	if len(messages) != 1 || messages[0].(map[string]interface{})["content"] != "hi" {
		t.Errorf("Unexpected active messages: %v", messages)
	}
	if active["contextId"] != "ctx-1" {
		t.Errorf("ContextID = %v, want ctx-1", active["contextId"])
	}

	// Archive: the only session goes away, active clears
	status, result = doJSON(t, app, "DELETE", base+"/sessions/"+sessionID, nil)
	if status != fiber.StatusOK || result["activeSessionId"] != "" {
		t.Errorf("Archive: status %d, activeSessionId %v", status, result["activeSessionId"])
	}

	status, result = doJSON(t, app, "GET", base+"/sessions", nil)
	if sessions := result["sessions"].([]interface{}); status != fiber.StatusOK || len(sessions) != 0 {
		t.Errorf("Archived session still listed: %v", result["sessions"])
	}
	status, result = doJSON(t, app, "GET", base+"/sessions?include_archived=true", nil)
	if sessions := result["sessions"].([]interface{}); status != fiber.StatusOK || len(sessions) != 1 {
		t.Errorf("Archived session missing from full list: %v", result["sessions"])
	}
}

func TestSwitchSessionValidation(t *testing.T) {
	app, _, scope := newTestApp(t)
	base := "/api/agents/" + scope

	status, result := doJSON(t, app, "PUT", base+"/sessions/active", map[string]string{})
	if status != fiber.StatusBadRequest || result["error"] != "Session ID is required" {
		t.Errorf("Expected 400 Session ID is required, got %d %v", status, result["error"])
	}

	status, result = doJSON(t, app, "PUT", base+"/sessions/active", map[string]string{"id": "session_0_missing"})
	if status != fiber.StatusNotFound || result["error"] != "Session not found" {
		t.Errorf("Expected 404 Session not found, got %d %v", status, result["error"])
	}
}

func TestRenameValidation(t *testing.T) {
	app, _, scope := newTestApp(t)
	base := "/api/agents/" + scope

	status, result := doJSON(t, app, "PUT", base+"/sessions/whatever/name", map[string]string{"name": ""})
	if status != fiber.StatusBadRequest || result["error"] != "Session name is required" {
		t.Errorf("Expected 400 Session name is required, got %d %v", status, result["error"])
	}

	status, _ = doJSON(t, app, "PUT", base+"/sessions/session_0_missing/name", map[string]string{"name": "x"})
	if status != fiber.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", status)
	}
}

func TestUpdateMessagesWithoutActiveSession(t *testing.T) {
	app, _, scope := newTestApp(t)

	status, _ := doJSON(t, app, "PUT", "/api/agents/"+scope+"/sessions/active/messages", map[string]interface{}{
		"messages": []map[string]interface{}{},
	})
	if status != fiber.StatusConflict {
		t.Errorf("Expected 409 without an active session, got %d", status)
	}
}

func TestSyncEndpointsWithSyncDisabled(t *testing.T) {
	app, _, scope := newTestApp(t)
	base := "/api/agents/" + scope

	status, result := doJSON(t, app, "GET", base+"/sync/status", nil)
	if status != fiber.StatusOK || result["status"] != models.SyncStateIdle {
		t.Errorf("Expected idle status, got %d %v", status, result["status"])
	}

	status, _ = doJSON(t, app, "POST", base+"/sync", nil)
	if status != fiber.StatusConflict {
		t.Errorf("Expected 409 for manual sync with sync disabled, got %d", status)
	}

	status, _ = doJSON(t, app, "PUT", base+"/sync/online", map[string]bool{"online": false})
	if status != fiber.StatusOK {
		t.Errorf("Online toggle should succeed even without a manager, got %d", status)
	}
	status, result = doJSON(t, app, "PUT", base+"/sync/online", map[string]string{})
	if status != fiber.StatusBadRequest {
		t.Errorf("Expected 400 for missing online field, got %d %v", status, result["error"])
	}
}
