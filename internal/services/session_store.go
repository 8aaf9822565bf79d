package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/models"
	"chatsync/internal/storage"
)

// SessionStore is the durable, agent-scoped session repository. All sessions
// for one agent endpoint live in a single JSON map under sessions:<scope>;
// the active-session pointer lives under activeSession:<scope>.
//
// Read failures never reach callers as errors: the store backs an
// interactive UI, so it favors returning something renderable (empty list,
// nil session) over strict correctness.
//
// Every mutation is a read-modify-write of the whole scope record, and sync
// passes, debounce timers and HTTP handlers mutate the same scope
// concurrently. The mutex serializes those cycles; without it, interleaved
// writers persist from stale snapshots and silently drop each other's
// sessions.
type SessionStore struct {
	store storage.Store
	scope string

	mu sync.Mutex
}

// NewSessionStore creates a session store scoped to one agent endpoint
func NewSessionStore(store storage.Store, agentURL string) *SessionStore {
	return &SessionStore{
		store: store,
		scope: storage.ScopeForAgent(agentURL),
	}
}

// Scope returns the storage namespace for this store's agent endpoint
func (s *SessionStore) Scope() string {
	return s.scope
}

// loadSessions reads and repairs the session map. Missing or malformed
// records get safe defaults instead of failing: the backing store may hold
// partially written or legacy-shaped data.
func (s *SessionStore) loadSessions(ctx context.Context) map[string]*models.Session {
	raw, err := s.store.Get(ctx, storage.SessionsKey(s.scope))
	if errors.Is(err, storage.ErrNotFound) {
		return make(map[string]*models.Session)
	}
	if err != nil {
		log.Printf("⚠️ Failed to read sessions for scope %s: %v", s.scope, err)
		return make(map[string]*models.Session)
	}

	var sessions map[string]*models.Session
	if err := json.Unmarshal([]byte(raw), &sessions); err != nil {
		log.Printf("⚠️ Failed to parse sessions for scope %s: %v", s.scope, err)
		return make(map[string]*models.Session)
	}
	if sessions == nil {
		sessions = make(map[string]*models.Session)
	}

	for id, sess := range sessions {
		if sess == nil {
			delete(sessions, id)
			continue
		}
		repairSession(id, sess)
	}

	return sessions
}

// repairSession fills safe defaults into a partially written record
func repairSession(id string, sess *models.Session) {
	if sess.ID == "" {
		sess.ID = id
	}
	if sess.Messages == nil {
		sess.Messages = []models.Message{}
	}
	if sess.CreatedAt == 0 {
		sess.CreatedAt = time.Now().UnixMilli()
	}
	if sess.UpdatedAt == 0 {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.Name == "" {
		sess.Name = defaultSessionName(sess.CreatedAt)
	}
}

func (s *SessionStore) persistSessions(ctx context.Context, sessions map[string]*models.Session) error {
	payload, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("failed to serialize sessions: %w", err)
	}
	if err := s.store.Set(ctx, storage.SessionsKey(s.scope), string(payload)); err != nil {
		return fmt.Errorf("failed to persist sessions: %w", err)
	}
	return nil
}

// ListSessions returns session metadata sorted by CreatedAt descending.
// Creation order is stable under in-place edits that bump UpdatedAt, which
// keeps the session list from reshuffling while the user chats.
func (s *SessionStore) ListSessions(ctx context.Context, includeArchived bool) []models.SessionMetadata {
	s.mu.Lock()
	sessions := s.loadSessions(ctx)
	s.mu.Unlock()

	metas := make([]models.SessionMetadata, 0, len(sessions))
	for _, sess := range sessions {
		if sess.IsArchived && !includeArchived {
			continue
		}
		metas = append(metas, sess.Metadata())
	}

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt != metas[j].CreatedAt {
			return metas[i].CreatedAt > metas[j].CreatedAt
		}
		return metas[i].ID > metas[j].ID
	})

	return metas
}

// GetSession returns the full record including messages, or nil if absent
func (s *SessionStore) GetSession(ctx context.Context, id string) *models.Session {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := s.loadSessions(ctx)
	return sessions[id]
}

// FindByContextID returns the session bound to a remote context, or nil.
// At most one local session may reference a given context id.
func (s *SessionStore) FindByContextID(ctx context.Context, contextID string) *models.Session {
	if contextID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := s.loadSessions(ctx)
	for _, sess := range sessions {
		if sess.ContextID == contextID {
			return sess
		}
	}
	return nil
}

// CreateSession generates and persists a new local-only session. Activation
// is explicit: the caller decides whether it becomes the active session.
func (s *SessionStore) CreateSession(ctx context.Context, name string) (*models.Session, error) {
	now := time.Now().UnixMilli()
	if name == "" {
		name = defaultSessionName(now)
	}

	sess := &models.Session{
		ID:        newSessionID(now),
		Name:      name,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := s.loadSessions(ctx)
	sessions[sess.ID] = sess
	if err := s.persistSessions(ctx, sessions); err != nil {
		return nil, err
	}

	return sess, nil
}

// SaveSession upserts a session. When touchTimestamp is false the caller is
// asserting the record originated remotely and already carries the server's
// authoritative UpdatedAt; overwriting it would break future conflict
// comparisons.
func (s *SessionStore) SaveSession(ctx context.Context, sess *models.Session, touchTimestamp bool) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session id is required")
	}

	if touchTimestamp {
		sess.UpdatedAt = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := s.loadSessions(ctx)
	sessions[sess.ID] = sess
	return s.persistSessions(ctx, sessions)
}

// UpdateSessionMessages replaces a session's message list. It is a no-op
// when neither the messages nor the context id actually changed, so idle
// polling doesn't churn timestamps or store writes.
func (s *SessionStore) UpdateSessionMessages(ctx context.Context, id string, messages []models.Message, contextID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := s.loadSessions(ctx)
	sess, ok := sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}

	if messages == nil {
		messages = []models.Message{}
	}

	contextChanged := contextID != "" && contextID != sess.ContextID
	if !contextChanged && reflect.DeepEqual(sess.Messages, messages) {
		return nil
	}

	sess.Messages = messages
	if contextChanged {
		sess.ContextID = contextID
	}
	sess.UpdatedAt = time.Now().UnixMilli()

	return s.persistSessions(ctx, sessions)
}

// UpdateSessionContextID binds a session to its remote context without
// touching UpdatedAt: context-id assignment is bookkeeping, not content.
func (s *SessionStore) UpdateSessionContextID(ctx context.Context, id, contextID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := s.loadSessions(ctx)
	sess, ok := sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	if sess.ContextID == contextID {
		return nil
	}

	sess.ContextID = contextID
	return s.persistSessions(ctx, sessions)
}

// ArchiveSession soft-deletes a session. History is preserved; archived
// sessions just drop out of default listings.
func (s *SessionStore) ArchiveSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := s.loadSessions(ctx)
	sess, ok := sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}

	sess.IsArchived = true
	sess.UpdatedAt = time.Now().UnixMilli()
	return s.persistSessions(ctx, sessions)
}

// GetActiveSessionID reads the active-session pointer; empty means none
func (s *SessionStore) GetActiveSessionID(ctx context.Context) string {
	id, err := s.store.Get(ctx, storage.ActiveSessionKey(s.scope))
	if errors.Is(err, storage.ErrNotFound) {
		return ""
	}
	if err != nil {
		log.Printf("⚠️ Failed to read active session for scope %s: %v", s.scope, err)
		return ""
	}
	return id
}

// SetActiveSession writes the active-session pointer
func (s *SessionStore) SetActiveSession(ctx context.Context, id string) error {
	if id == "" {
		return s.ClearActiveSession(ctx)
	}
	return s.store.Set(ctx, storage.ActiveSessionKey(s.scope), id)
}

// ClearActiveSession removes the active-session pointer
func (s *SessionStore) ClearActiveSession(ctx context.Context) error {
	return s.store.Remove(ctx, storage.ActiveSessionKey(s.scope))
}

// newSessionID builds a time+random composite id, unique within the scope
func newSessionID(nowMillis int64) string {
	return fmt.Sprintf("session_%d_%s", nowMillis, uuid.NewString()[:8])
}

// defaultSessionName derives a display title from the creation time
func defaultSessionName(createdAt int64) string {
	return "Chat " + time.UnixMilli(createdAt).Format("Jan 2, 2006 15:04:05.000")
}
