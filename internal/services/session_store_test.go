package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"chatsync/internal/models"
	"chatsync/internal/storage"
)

const testAgentURL = "http://localhost:9999/agent"

func newTestStore(t *testing.T) (*SessionStore, *storage.MemoryStore) {
	t.Helper()
	kv := storage.NewMemoryStore()
	return NewSessionStore(kv, testAgentURL), kv
}

func TestCreateSessionDefaults(t *testing.T) {
	store, _ := newTestStore(t)

	sess, err := store.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if sess.ID == "" {
		t.Error("Session must get a generated id")
	}
	if sess.ContextID != "" {
		t.Error("New sessions are local-only until synced")
	}
	if sess.Name == "" {
		t.Error("Default name must be derived from the timestamp")
	}
	if len(sess.Messages) != 0 {
		t.Error("New sessions start with no messages")
	}
	if sess.CreatedAt == 0 || sess.UpdatedAt != sess.CreatedAt {
		t.Errorf("Timestamps not initialized: created=%d updated=%d", sess.CreatedAt, sess.UpdatedAt)
	}
}

func TestCreateSessionTwiceIsDistinct(t *testing.T) {
	store, _ := newTestStore(t)

	first, err := store.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := store.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if first.ID == second.ID {
		t.Errorf("Consecutive sessions must get distinct ids, both %q", first.ID)
	}
	if first.Name == second.Name {
		t.Errorf("Consecutive default names must carry distinct timestamps, both %q", first.Name)
	}
}

func TestListSessionsOrderingAndArchiveFilter(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	oldest, _ := store.CreateSession(ctx, "oldest")
	time.Sleep(2 * time.Millisecond)
	middle, _ := store.CreateSession(ctx, "middle")
	time.Sleep(2 * time.Millisecond)
	newest, _ := store.CreateSession(ctx, "newest")

	sessions := store.ListSessions(ctx, false)
	if len(sessions) != 3 {
		t.Fatalf("Expected 3 sessions, got %d", len(sessions))
	}
	// Newest first, by creation time
	if sessions[0].ID != newest.ID || sessions[2].ID != oldest.ID {
		t.Errorf("Expected creation-descending order, got %s, %s, %s",
			sessions[0].Name, sessions[1].Name, sessions[2].Name)
	}

	if err := store.ArchiveSession(ctx, middle.ID); err != nil {
		t.Fatalf("ArchiveSession failed: %v", err)
	}

	sessions = store.ListSessions(ctx, false)
	if len(sessions) != 2 {
		t.Fatalf("Archived session should drop from default listing, got %d entries", len(sessions))
	}
	for _, meta := range sessions {
		if meta.ID == middle.ID {
			t.Error("Archived session present in default listing")
		}
	}

	all := store.ListSessions(ctx, true)
	if len(all) != 3 {
		t.Errorf("includeArchived listing should have 3 entries, got %d", len(all))
	}
}

func TestUpdateSessionMessagesNoOp(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, _ := store.CreateSession(ctx, "chat")
	messages := []models.Message{
		{ID: "m1", Content: "hi", Sender: models.SenderUser, Timestamp: 100},
	}

	if err := store.UpdateSessionMessages(ctx, sess.ID, messages, ""); err != nil {
		t.Fatalf("UpdateSessionMessages failed: %v", err)
	}
	updatedAt := store.GetSession(ctx, sess.ID).UpdatedAt

	time.Sleep(2 * time.Millisecond)

	// Identical content again: no write, no timestamp churn
	if err := store.UpdateSessionMessages(ctx, sess.ID, messages, ""); err != nil {
		t.Fatalf("UpdateSessionMessages failed: %v", err)
	}

	got := store.GetSession(ctx, sess.ID)
	if got.UpdatedAt != updatedAt {
		t.Errorf("No-op update must not touch UpdatedAt: %d -> %d", updatedAt, got.UpdatedAt)
	}
	if diff := cmp.Diff(messages, got.Messages); diff != "" {
		t.Errorf("Messages round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateSessionContextIDDoesNotTouchTimestamp(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, _ := store.CreateSession(ctx, "chat")
	updatedAt := sess.UpdatedAt

	time.Sleep(2 * time.Millisecond)
	if err := store.UpdateSessionContextID(ctx, sess.ID, "ctx-42"); err != nil {
		t.Fatalf("UpdateSessionContextID failed: %v", err)
	}

	got := store.GetSession(ctx, sess.ID)
	if got.ContextID != "ctx-42" {
		t.Errorf("ContextID = %q, want ctx-42", got.ContextID)
	}
	if got.UpdatedAt != updatedAt {
		t.Errorf("Context-id assignment is bookkeeping, not content: UpdatedAt %d -> %d", updatedAt, got.UpdatedAt)
	}

	if found := store.FindByContextID(ctx, "ctx-42"); found == nil || found.ID != sess.ID {
		t.Error("FindByContextID should locate the bound session")
	}
}

func TestSaveSessionPreservesRemoteTimestamp(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := &models.Session{
		ID:        "remote-origin",
		ContextID: "c1",
		Name:      "From server",
		Messages:  []models.Message{},
		CreatedAt: 1000,
		UpdatedAt: 5000,
	}

	// Remote-origin writes carry the server's authoritative UpdatedAt
	if err := store.SaveSession(ctx, sess, false); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if got := store.GetSession(ctx, "remote-origin"); got.UpdatedAt != 5000 {
		t.Errorf("touchTimestamp=false must preserve UpdatedAt, got %d", got.UpdatedAt)
	}

	// User-origin writes bump it
	if err := store.SaveSession(ctx, sess, true); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if got := store.GetSession(ctx, "remote-origin"); got.UpdatedAt == 5000 {
		t.Error("touchTimestamp=true must refresh UpdatedAt")
	}
}

func TestGetSessionMissingAndMalformed(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := context.Background()

	if got := store.GetSession(ctx, "nope"); got != nil {
		t.Errorf("Missing session should be nil, got %+v", got)
	}

	// A partially written record is repaired with safe defaults, not dropped
	raw := map[string]json.RawMessage{
		"broken": json.RawMessage(`{"id":"broken"}`),
	}
	payload, _ := json.Marshal(raw)
	if err := kv.Set(ctx, storage.SessionsKey(store.Scope()), string(payload)); err != nil {
		t.Fatalf("Seeding store failed: %v", err)
	}

	got := store.GetSession(ctx, "broken")
	if got == nil {
		t.Fatal("Partially written record should be reconstructed, not nil")
	}
	if got.Messages == nil {
		t.Error("Repaired session must have a non-nil message list")
	}
	if got.Name == "" {
		t.Error("Repaired session must get a generated name")
	}

	// Unparsable storage contents degrade to an empty listing, never an error
	if err := kv.Set(ctx, storage.SessionsKey(store.Scope()), "{not json"); err != nil {
		t.Fatalf("Seeding store failed: %v", err)
	}
	if sessions := store.ListSessions(ctx, true); len(sessions) != 0 {
		t.Errorf("Corrupt store should list as empty, got %d entries", len(sessions))
	}
}

func TestActiveSessionPointer(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if got := store.GetActiveSessionID(ctx); got != "" {
		t.Errorf("Fresh store should have no active session, got %q", got)
	}

	sess, _ := store.CreateSession(ctx, "chat")
	if err := store.SetActiveSession(ctx, sess.ID); err != nil {
		t.Fatalf("SetActiveSession failed: %v", err)
	}
	if got := store.GetActiveSessionID(ctx); got != sess.ID {
		t.Errorf("Active session = %q, want %q", got, sess.ID)
	}

	if err := store.ClearActiveSession(ctx); err != nil {
		t.Fatalf("ClearActiveSession failed: %v", err)
	}
	if got := store.GetActiveSessionID(ctx); got != "" {
		t.Errorf("Cleared pointer should read empty, got %q", got)
	}
}

func TestScopeIsolation(t *testing.T) {
	kv := storage.NewMemoryStore()
	storeA := NewSessionStore(kv, "http://agent-a.example/rpc")
	storeB := NewSessionStore(kv, "http://agent-b.example/rpc")
	ctx := context.Background()

	if _, err := storeA.CreateSession(ctx, "a-chat"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if sessions := storeB.ListSessions(ctx, true); len(sessions) != 0 {
		t.Errorf("Agent scopes must not share sessions, got %d entries", len(sessions))
	}
}

// slowStore adds I/O latency to every operation, widening the window between
// a read and the write derived from it the way sqlite/redis/mongo backends do.
type slowStore struct {
	inner *storage.MemoryStore
	delay time.Duration
}

func (s *slowStore) Get(ctx context.Context, key string) (string, error) {
	time.Sleep(s.delay)
	return s.inner.Get(ctx, key)
}

func (s *slowStore) Set(ctx context.Context, key, value string) error {
	time.Sleep(s.delay)
	return s.inner.Set(ctx, key, value)
}

func (s *slowStore) Remove(ctx context.Context, key string) error {
	time.Sleep(s.delay)
	return s.inner.Remove(ctx, key)
}

func (s *slowStore) Close() error {
	return s.inner.Close()
}

// Sync passes, debounce timers and HTTP handlers all mutate one scope record
// concurrently; interleaved read-modify-write cycles must not lose sessions.
func TestConcurrentMutationsAreNotLost(t *testing.T) {
	kv := &slowStore{inner: storage.NewMemoryStore(), delay: time.Millisecond}
	store := NewSessionStore(kv, testAgentURL)
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := store.CreateSession(ctx, fmt.Sprintf("chat %d", n)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sessions := store.ListSessions(ctx, true)
	if len(sessions) != writers {
		t.Fatalf("%d concurrent CreateSession calls persisted %d sessions (lost updates)", writers, len(sessions))
	}

	// Mixed mutations on distinct sessions must not lose each other either
	var mg sync.WaitGroup
	for _, meta := range sessions[:4] {
		mg.Add(1)
		go func(id string) {
			defer mg.Done()
			if err := store.ArchiveSession(ctx, id); err != nil {
				t.Errorf("ArchiveSession failed: %v", err)
			}
		}(meta.ID)
	}
	mg.Wait()

	archived := 0
	for _, meta := range store.ListSessions(ctx, true) {
		if meta.IsArchived {
			archived++
		}
	}
	if archived != 4 {
		t.Errorf("4 concurrent archives persisted %d (lost updates)", archived)
	}
}
