package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on missing key = %v, want ErrNotFound", err)
	}

	if err := store.Set(context.Background(), "k", "v1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, err := store.Get(context.Background(), "k"); err != nil || got != "v1" {
		t.Errorf("Get = %q, %v, want v1", got, err)
	}

	// Set is an upsert
	if err := store.Set(context.Background(), "k", "v2"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := store.Get(context.Background(), "k"); got != "v2" {
		t.Errorf("Get after overwrite = %q, want v2", got)
	}

	if err := store.Remove(context.Background(), "k"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := store.Get(context.Background(), "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after remove = %v, want ErrNotFound", err)
	}

	// Removing an absent key is not an error
	if err := store.Remove(context.Background(), "k"); err != nil {
		t.Errorf("Remove on missing key = %v, want nil", err)
	}
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = store.Set(context.Background(), "shared", "value")
				_, _ = store.Get(context.Background(), "shared")
			}
		}()
	}
	wg.Wait()

	if got, err := store.Get(context.Background(), "shared"); err != nil || got != "value" {
		t.Errorf("Get after concurrent writes = %q, %v", got, err)
	}
}

func TestScopeForAgent(t *testing.T) {
	scope := ScopeForAgent("http://localhost:8000/rpc")

	if len(scope) != 16 {
		t.Errorf("Scope length = %d, want 16", len(scope))
	}
	// Stable across calls and restarts
	if again := ScopeForAgent("http://localhost:8000/rpc"); again != scope {
		t.Errorf("Scope not stable: %q vs %q", scope, again)
	}
	// Distinct endpoints get distinct namespaces
	if other := ScopeForAgent("http://localhost:8001/rpc"); other == scope {
		t.Error("Different agent URLs must map to different scopes")
	}
}

func TestKeyNamespacing(t *testing.T) {
	scope := ScopeForAgent("http://agent.test/rpc")

	keys := []string{
		SessionsKey(scope),
		ActiveSessionKey(scope),
		MessagesKey(scope, "session_1"),
		ContextKey(scope, "session_1"),
	}

	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if !strings.Contains(key, scope) {
			t.Errorf("Key %q does not carry the agent scope", key)
		}
		if _, dup := seen[key]; dup {
			t.Errorf("Duplicate key %q", key)
		}
		seen[key] = struct{}{}
	}

	if MessagesKey(scope, "a") == MessagesKey(scope, "b") {
		t.Error("Per-session keys must differ per session")
	}
}
