package models

import "time"

// Message senders
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
	SenderSystem    = "system"
)

// Message delivery states
const (
	MessageStatusSending = "sending"
	MessageStatusSent    = "sent"
	MessageStatusError   = "error"
)

// Message represents a single message in a session
type Message struct {
	ID        string                 `json:"id"`
	Content   string                 `json:"content"`
	Sender    string                 `json:"sender"` // "user", "assistant", "system"
	Timestamp int64                  `json:"timestamp"` // Unix milliseconds
	Metadata  map[string]interface{} `json:"metadata,omitempty"` // Free-form, includes artifact payloads
	Status    string                 `json:"status,omitempty"` // "sending", "sent", "error"
}

// Session represents a persisted conversation thread for one agent endpoint
type Session struct {
	ID         string    `json:"id"`
	ContextID  string    `json:"contextId,omitempty"` // Remote identifier; empty means local-only
	Name       string    `json:"name"`
	Messages   []Message `json:"messages"` // Chronological, oldest first
	CreatedAt  int64     `json:"createdAt"` // Unix milliseconds
	UpdatedAt  int64     `json:"updatedAt"` // Authority for conflict resolution
	IsArchived bool      `json:"isArchived"`
	Status     string    `json:"status,omitempty"` // Lifecycle label mirrored from the remote system
}

// SessionMetadata is a summary of a session for listing (no messages)
type SessionMetadata struct {
	ID           string `json:"id"`
	ContextID    string `json:"contextId,omitempty"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	LastMessage  string `json:"lastMessage,omitempty"` // Preview of the newest message
	MessageCount int    `json:"messageCount"`
	IsArchived   bool   `json:"isArchived"`
	Status       string `json:"status,omitempty"`
}

// Metadata reduces a session to its listing summary
func (s *Session) Metadata() SessionMetadata {
	meta := SessionMetadata{
		ID:           s.ID,
		ContextID:    s.ContextID,
		Name:         s.Name,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: len(s.Messages),
		IsArchived:   s.IsArchived,
		Status:       s.Status,
	}
	if len(s.Messages) > 0 {
		meta.LastMessage = previewText(s.Messages[len(s.Messages)-1].Content, 80)
	}
	return meta
}

func previewText(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}

// Sync manager states
const (
	SyncStateIdle    = "idle"
	SyncStateSyncing = "syncing"
	SyncStateError   = "error"
	SyncStateOffline = "offline"
)

// SyncStatus is the transient sync state exposed to the UI; never persisted
type SyncStatus struct {
	Status         string `json:"status"` // "idle", "syncing", "error", "offline"
	LastSyncTime   int64  `json:"lastSyncTime,omitempty"` // Unix milliseconds
	PendingChanges int    `json:"pendingChanges"`
	Error          string `json:"error,omitempty"`
}

// SyncConfig controls sync manager behaviour for one agent scope
type SyncConfig struct {
	EnableServerSync bool
	SyncInterval     time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	DebugMode        bool
}

// DefaultSyncConfig returns the sync settings used when none are provided
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		EnableServerSync: true,
		SyncInterval:     30 * time.Second,
		MaxRetries:       3,
		RetryDelay:       5 * time.Second,
	}
}
