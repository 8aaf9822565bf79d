package services

import (
	"fmt"
	"strings"
	"time"

	"chatsync/internal/models"
)

// Remote payloads are not consistent about field casing: the same logical
// field arrives as id/Id/ID or createdAt/CreatedAt/created_at depending on
// the server build. Every accessor below probes the known spellings in a
// fixed precedence order and synthesizes a default instead of failing, so
// everything past this file only ever sees models.RemoteContext/RemoteTask.

func pickString(m map[string]interface{}, keys ...string) (string, bool) {
	for _, key := range keys {
		if raw, ok := m[key]; ok {
			if s, ok := raw.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func pickBool(m map[string]interface{}, keys ...string) (bool, bool) {
	for _, key := range keys {
		if raw, ok := m[key]; ok {
			if b, ok := raw.(bool); ok {
				return b, true
			}
		}
	}
	return false, false
}

func pickSlice(m map[string]interface{}, keys ...string) ([]interface{}, bool) {
	for _, key := range keys {
		if raw, ok := m[key]; ok {
			if s, ok := raw.([]interface{}); ok {
				return s, true
			}
		}
	}
	return nil, false
}

// pickTimestamp returns a Unix-millisecond timestamp from any of the given
// keys. Numeric values are already epoch milliseconds on the wire; strings
// are parsed as RFC 3339.
func pickTimestamp(m map[string]interface{}, keys ...string) (int64, bool) {
	for _, key := range keys {
		raw, ok := m[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case float64:
			if v <= 0 {
				continue
			}
			return int64(v), true
		case string:
			if v == "" {
				continue
			}
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t.UnixMilli(), true
			}
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.UnixMilli(), true
			}
		}
	}
	return 0, false
}

// normalizeSender maps wire roles onto the internal sender values. The
// protocol uses "agent" where the widget uses "assistant"; casing varies.
func normalizeSender(role string) string {
	switch strings.ToLower(role) {
	case "user":
		return models.SenderUser
	case "system":
		return models.SenderSystem
	case "agent", "assistant":
		return models.SenderAssistant
	default:
		return models.SenderAssistant
	}
}

// ParseContext maps one raw contexts/list entry into a RemoteContext.
// DefaultsApplied reports whether any field had to be synthesized.
func ParseContext(raw map[string]interface{}) models.RemoteContext {
	var out models.RemoteContext

	id, ok := pickString(raw, "id", "Id", "ID", "contextId", "ContextId")
	if !ok {
		out.DefaultsApplied = true
	}
	out.ID = id

	created, ok := pickTimestamp(raw, "createdAt", "CreatedAt", "created_at", "createdTime", "CreatedTime")
	if !ok {
		created = time.Now().UnixMilli()
		out.DefaultsApplied = true
	}
	out.CreatedAt = created

	updated, ok := pickTimestamp(raw, "updatedAt", "UpdatedAt", "updated_at", "lastUpdated", "LastUpdated")
	if !ok {
		// Prefer syncing over skipping: an unknown freshness is treated as "now"
		updated = time.Now().UnixMilli()
		out.DefaultsApplied = true
	}
	out.UpdatedAt = updated

	name, ok := pickString(raw, "name", "Name", "title", "Title")
	if !ok {
		name = synthesizeContextName(out.ID, out.CreatedAt)
		out.DefaultsApplied = true
	}
	out.Name = name

	if archived, ok := pickBool(raw, "isArchived", "IsArchived", "is_archived", "archived"); ok {
		out.IsArchived = archived
	}
	if status, ok := pickString(raw, "status", "Status", "state", "State"); ok {
		out.Status = status
	}

	return out
}

// synthesizeContextName builds a display title for a context that arrived
// without one, from its id or creation date.
func synthesizeContextName(contextID string, createdAt int64) string {
	if contextID != "" {
		short := contextID
		if len(short) > 8 {
			short = short[:8]
		}
		return fmt.Sprintf("Conversation %s", short)
	}
	return "Conversation " + time.UnixMilli(createdAt).Format("Jan 2, 15:04")
}

// ParseTask maps one raw tasks/list entry into a RemoteTask. The message
// history arrives under "history" or "Messages"; each message carries a
// role, a parts array, and a timestamp under one of several names.
func ParseTask(raw map[string]interface{}) models.RemoteTask {
	var out models.RemoteTask

	id, ok := pickString(raw, "id", "Id", "ID", "taskId", "TaskId")
	if !ok {
		out.DefaultsApplied = true
	}
	out.ID = id

	if contextID, ok := pickString(raw, "contextId", "ContextId", "context_id"); ok {
		out.ContextID = contextID
	}
	if status, ok := pickString(raw, "status", "Status", "state", "State"); ok {
		out.Status = status
	}

	created, ok := pickTimestamp(raw, "createdAt", "CreatedAt", "created_at", "timestamp", "Timestamp")
	if !ok {
		created = time.Now().UnixMilli()
		out.DefaultsApplied = true
	}
	out.CreatedAt = created

	history, ok := pickSlice(raw, "history", "History", "messages", "Messages")
	if !ok {
		return out
	}

	for _, entry := range history {
		rawMsg, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		msg, defaulted := parseTaskMessage(rawMsg, out.CreatedAt)
		if defaulted {
			out.DefaultsApplied = true
		}
		out.Messages = append(out.Messages, msg)
	}

	return out
}

// parseTaskMessage converts one wire message into the internal Message,
// joining its text parts. fallbackTime stands in for a missing timestamp.
func parseTaskMessage(raw map[string]interface{}, fallbackTime int64) (models.Message, bool) {
	defaulted := false

	var msg models.Message

	id, ok := pickString(raw, "messageId", "MessageId", "id", "Id", "ID")
	if !ok {
		id = fmt.Sprintf("msg_%d", time.Now().UnixNano())
		defaulted = true
	}
	msg.ID = id

	role, ok := pickString(raw, "role", "Role", "sender", "Sender")
	if !ok {
		defaulted = true
	}
	msg.Sender = normalizeSender(role)

	ts, ok := pickTimestamp(raw, "timestamp", "Timestamp", "createdAt", "CreatedAt", "created_at", "time", "Time")
	if !ok {
		ts = fallbackTime
		defaulted = true
	}
	msg.Timestamp = ts
	msg.Status = models.MessageStatusSent

	parts, ok := pickSlice(raw, "parts", "Parts")
	if !ok {
		if content, ok := pickString(raw, "content", "Content", "text", "Text"); ok {
			msg.Content = content
		} else {
			defaulted = true
		}
		return msg, defaulted
	}

	var texts []string
	for _, p := range parts {
		part, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		kind, _ := pickString(part, "kind", "Kind", "type", "Type")
		if kind != "" && !strings.EqualFold(kind, "text") {
			// Non-text parts (files, data) ride along in metadata
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]interface{})
			}
			appendPartMetadata(msg.Metadata, part)
			continue
		}
		if text, ok := pickString(part, "text", "Text"); ok {
			texts = append(texts, text)
		}
	}
	msg.Content = strings.Join(texts, "\n")

	return msg, defaulted
}

func appendPartMetadata(metadata map[string]interface{}, part map[string]interface{}) {
	existing, _ := metadata["parts"].([]interface{})
	metadata["parts"] = append(existing, part)
}
