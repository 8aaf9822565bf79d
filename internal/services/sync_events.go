package services

import (
	"sync"
	"time"

	"chatsync/internal/models"
)

// EventKind identifies a sync notification
type EventKind string

// Sync event kinds
const (
	EventSyncStart     EventKind = "syncStart"
	EventSyncComplete  EventKind = "syncComplete"
	EventSyncError     EventKind = "syncError"
	EventContextSynced EventKind = "contextSynced"
	EventOnline        EventKind = "online"
	EventOffline       EventKind = "offline"
)

// Event is the payload delivered to sync subscribers
type Event struct {
	Kind       EventKind          `json:"kind"`
	AgentScope string             `json:"agentScope"`
	ContextID  string             `json:"contextId,omitempty"`
	SessionID  string             `json:"sessionId,omitempty"`
	Status     *models.SyncStatus `json:"status,omitempty"`
	Error      string             `json:"error,omitempty"`
	Timestamp  int64              `json:"timestamp"`
}

// EventHandler receives sync events; handlers must not block
type EventHandler func(Event)

// EventBus is an explicit observer registry for sync notifications. The
// empty kind subscribes to every event.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventKind]map[int]EventHandler
}

// NewEventBus creates an empty bus
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[EventKind]map[int]EventHandler),
	}
}

// Subscribe registers a handler for one event kind (or all events with the
// empty kind) and returns the id used to unsubscribe.
func (b *EventBus) Subscribe(kind EventKind, handler EventHandler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]EventHandler)
	}
	b.subs[kind][id] = handler
	return id
}

// Unsubscribe removes a handler registration
func (b *EventBus) Unsubscribe(kind EventKind, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if handlers, ok := b.subs[kind]; ok {
		delete(handlers, id)
	}
}

// Publish delivers an event synchronously to subscribers of its kind and to
// catch-all subscribers.
func (b *EventBus) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	var handlers []EventHandler
	for _, h := range b.subs[event.Kind] {
		handlers = append(handlers, h)
	}
	for _, h := range b.subs[EventKind("")] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
