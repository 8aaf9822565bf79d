package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"chatsync/internal/models"
	"chatsync/internal/storage"
)

// SessionService is the facade the presentation layer talks to. It owns the
// session lifecycle (create/switch/rename/archive), keeps the fast-path
// transport keys staged for the live chat connection, and delegates remote
// reconciliation to the sync manager when one is attached.
//
// Every mutation re-derives its results from the store rather than patching
// in-memory copies, so the UI can never diverge from persisted state.
type SessionService struct {
	kv      storage.Store
	store   *SessionStore
	manager *SyncManager // nil when server sync is disabled
}

// NewSessionService creates the facade. manager may be nil.
func NewSessionService(kv storage.Store, store *SessionStore, manager *SyncManager) *SessionService {
	return &SessionService{
		kv:      kv,
		store:   store,
		manager: manager,
	}
}

// Store exposes the underlying session store
func (s *SessionService) Store() *SessionStore {
	return s.store
}

// SyncEnabled reports whether a sync manager is attached
func (s *SessionService) SyncEnabled() bool {
	return s.manager != nil
}

// Initialize performs the first-load sequence. With sync enabled the initial
// full sync completes before callers list sessions, so the UI never flashes
// a stale or empty list; without sync the local store is already the truth.
func (s *SessionService) Initialize(ctx context.Context) error {
	if s.manager == nil {
		return nil
	}
	if err := s.manager.SyncAllThreads(ctx); err != nil {
		// Degraded start: local data stays usable while sync retries
		log.Printf("⚠️ Initial sync failed, serving local sessions: %v", err)
	}
	return nil
}

// Sessions lists session metadata, archived excluded
func (s *SessionService) Sessions(ctx context.Context) []models.SessionMetadata {
	return s.store.ListSessions(ctx, false)
}

// AllSessions lists session metadata including archived
func (s *SessionService) AllSessions(ctx context.Context) []models.SessionMetadata {
	return s.store.ListSessions(ctx, true)
}

// ActiveSessionID returns the validated active pointer. A dangling pointer
// (missing or archived target) self-heals to "no active session".
func (s *SessionService) ActiveSessionID(ctx context.Context) string {
	id := s.store.GetActiveSessionID(ctx)
	if id == "" {
		return ""
	}

	sess := s.store.GetSession(ctx, id)
	if sess == nil || sess.IsArchived {
		if err := s.store.ClearActiveSession(ctx); err != nil {
			log.Printf("⚠️ Failed to clear dangling active session %s: %v", id, err)
		}
		return ""
	}
	return id
}

// ActiveSession returns the full active record, or nil when none
func (s *SessionService) ActiveSession(ctx context.Context) *models.Session {
	id := s.ActiveSessionID(ctx)
	if id == "" {
		return nil
	}
	return s.store.GetSession(ctx, id)
}

// CreateNewSession creates a session and makes it active
func (s *SessionService) CreateNewSession(ctx context.Context, name string) (*models.Session, error) {
	sess, err := s.store.CreateSession(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := s.SwitchSession(ctx, sess.ID); err != nil {
		return nil, err
	}
	return s.store.GetSession(ctx, sess.ID), nil
}

// SwitchSession stages the target session into the fast-path transport keys
// and then flips the active pointer. The live chat UI reads its working
// message buffer from the transport location, not the durable store;
// switching without staging would show stale or empty history.
//
// Archived sessions are not switchable: the pointer validation would only
// self-heal them back to "no active session" on the next read.
func (s *SessionService) SwitchSession(ctx context.Context, id string) error {
	sess := s.store.GetSession(ctx, id)
	if sess == nil || sess.IsArchived {
		return fmt.Errorf("session %s not found", id)
	}

	if err := s.stageTransport(ctx, sess); err != nil {
		return err
	}
	return s.store.SetActiveSession(ctx, id)
}

func (s *SessionService) stageTransport(ctx context.Context, sess *models.Session) error {
	scope := s.store.Scope()

	payload, err := json.Marshal(sess.Messages)
	if err != nil {
		return fmt.Errorf("failed to serialize messages for staging: %w", err)
	}
	if err := s.kv.Set(ctx, storage.MessagesKey(scope, sess.ID), string(payload)); err != nil {
		return fmt.Errorf("failed to stage messages: %w", err)
	}

	contextKey := storage.ContextKey(scope, sess.ID)
	if sess.ContextID == "" {
		if err := s.kv.Remove(ctx, contextKey); err != nil {
			return fmt.Errorf("failed to clear staged context: %w", err)
		}
		return nil
	}
	if err := s.kv.Set(ctx, contextKey, sess.ContextID); err != nil {
		return fmt.Errorf("failed to stage context id: %w", err)
	}
	return nil
}

// RenameSession changes a session's display title
func (s *SessionService) RenameSession(ctx context.Context, id, newName string) error {
	if newName == "" {
		return fmt.Errorf("session name is required")
	}

	sess := s.store.GetSession(ctx, id)
	if sess == nil {
		return fmt.Errorf("session %s not found", id)
	}

	sess.Name = newName
	if err := s.store.SaveSession(ctx, sess, true); err != nil {
		return err
	}

	if s.manager != nil && sess.ContextID != "" {
		s.manager.NotifyLocalChange(id)
	}
	return nil
}

// ArchiveSession soft-deletes a session ("delete" in the UI). Archiving the
// active session selects a fallback (first remaining, by the store's sort
// order) or clears active state entirely; a dangling pointer is never left.
func (s *SessionService) ArchiveSession(ctx context.Context, id string) error {
	if err := s.store.ArchiveSession(ctx, id); err != nil {
		return err
	}

	if s.manager != nil {
		if sess := s.store.GetSession(ctx, id); sess != nil && sess.ContextID != "" {
			s.manager.NotifyLocalChange(id)
		}
	}

	if s.store.GetActiveSessionID(ctx) != id {
		return nil
	}

	remaining := s.store.ListSessions(ctx, false)
	if len(remaining) == 0 {
		return s.store.ClearActiveSession(ctx)
	}
	return s.SwitchSession(ctx, remaining[0].ID)
}

// UpdateSessionMessages replaces the active session's messages, restages the
// transport buffer and marks the session dirty for sync.
func (s *SessionService) UpdateSessionMessages(ctx context.Context, messages []models.Message, contextID string) error {
	id := s.ActiveSessionID(ctx)
	if id == "" {
		return fmt.Errorf("no active session")
	}

	if err := s.store.UpdateSessionMessages(ctx, id, messages, contextID); err != nil {
		return err
	}

	sess := s.store.GetSession(ctx, id)
	if sess != nil {
		if err := s.stageTransport(ctx, sess); err != nil {
			log.Printf("⚠️ Failed to restage transport for session %s: %v", id, err)
		}
	}

	if s.manager != nil {
		s.manager.MarkSessionDirty(id)
	}
	return nil
}

// SyncStatus returns the sync manager's transient state; idle when sync is
// disabled.
func (s *SessionService) SyncStatus() models.SyncStatus {
	if s.manager == nil {
		return models.SyncStatus{Status: models.SyncStateIdle}
	}
	return s.manager.GetSyncStatus()
}

// TriggerSync runs a manual, cache-clearing full sync
func (s *SessionService) TriggerSync(ctx context.Context) error {
	if s.manager == nil {
		return fmt.Errorf("server sync is disabled")
	}
	return s.manager.TriggerSync(ctx)
}

// SyncCurrentThread force-refreshes the active session's remote thread
func (s *SessionService) SyncCurrentThread(ctx context.Context) error {
	if s.manager == nil {
		return fmt.Errorf("server sync is disabled")
	}

	sess := s.ActiveSession(ctx)
	if sess == nil {
		return fmt.Errorf("no active session")
	}
	if sess.ContextID == "" {
		// Local-only session: nothing remote to refresh
		return nil
	}
	return s.manager.SyncSpecificThread(ctx, sess.ContextID, true)
}
