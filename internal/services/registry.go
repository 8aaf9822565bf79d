package services

import (
	"context"
	"log"
	"sync"

	"chatsync/internal/models"
	"chatsync/internal/storage"
)

// AgentRuntime bundles everything built for one agent endpoint
type AgentRuntime struct {
	Scope   string
	Name    string
	URL     string
	Store   *SessionStore
	Client  *HistoryClient
	Manager *SyncManager // nil when server sync is disabled
	Service *SessionService
	Bus     *EventBus
}

// Registry owns one AgentRuntime per agent endpoint, keyed by agent scope.
// It replaces the process-wide singleton map: lifetime is explicit, owned by
// the composition root, and nothing survives a Remove but the stored data.
type Registry struct {
	kv     storage.Store
	config models.SyncConfig

	mu       sync.RWMutex
	runtimes map[string]*AgentRuntime
}

// NewRegistry creates an empty registry over the shared key-value store
func NewRegistry(kv storage.Store, config models.SyncConfig) *Registry {
	return &Registry{
		kv:       kv,
		config:   config,
		runtimes: make(map[string]*AgentRuntime),
	}
}

// Register builds (or returns the existing) runtime for an agent endpoint
// and, with sync enabled, starts its auto-sync loop.
func (r *Registry) Register(ctx context.Context, name, agentURL string) (*AgentRuntime, error) {
	scope := storage.ScopeForAgent(agentURL)

	r.mu.Lock()
	if existing, ok := r.runtimes[scope]; ok {
		r.mu.Unlock()
		return existing, nil
	}

	store := NewSessionStore(r.kv, agentURL)
	client := NewHistoryClient(agentURL)
	bus := NewEventBus()

	var manager *SyncManager
	if r.config.EnableServerSync {
		manager = NewSyncManager(store, client, r.config, bus)
	}

	runtime := &AgentRuntime{
		Scope:   scope,
		Name:    name,
		URL:     agentURL,
		Store:   store,
		Client:  client,
		Manager: manager,
		Service: NewSessionService(r.kv, store, manager),
		Bus:     bus,
	}
	r.runtimes[scope] = runtime
	r.mu.Unlock()

	if manager != nil {
		if err := manager.StartAutoSync(ctx); err != nil {
			log.Printf("⚠️ Failed to start auto-sync for %s: %v", agentURL, err)
		}
	}

	log.Printf("🔗 Registered agent %q (%s) as scope %s", name, agentURL, scope)
	return runtime, nil
}

// Get returns the runtime for an agent scope
func (r *Registry) Get(scope string) (*AgentRuntime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runtime, ok := r.runtimes[scope]
	return runtime, ok
}

// List returns every registered runtime
func (r *Registry) List() []*AgentRuntime {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runtimes := make([]*AgentRuntime, 0, len(r.runtimes))
	for _, runtime := range r.runtimes {
		runtimes = append(runtimes, runtime)
	}
	return runtimes
}

// Remove tears down one runtime: its sync loop stops, its stored sessions
// remain for a future registration of the same endpoint.
func (r *Registry) Remove(scope string) {
	r.mu.Lock()
	runtime, ok := r.runtimes[scope]
	if ok {
		delete(r.runtimes, scope)
	}
	r.mu.Unlock()

	if ok && runtime.Manager != nil {
		if err := runtime.Manager.Close(); err != nil {
			log.Printf("⚠️ Failed to close sync manager for scope %s: %v", scope, err)
		}
	}
}

// Reconcile registers every agent in the given list and removes runtimes
// whose endpoint disappeared from it; used by config hot-reload.
func (r *Registry) Reconcile(ctx context.Context, agents map[string]string) {
	wanted := make(map[string]struct{}, len(agents))
	for name, url := range agents {
		scope := storage.ScopeForAgent(url)
		wanted[scope] = struct{}{}
		if _, err := r.Register(ctx, name, url); err != nil {
			log.Printf("⚠️ Failed to register agent %q: %v", name, err)
		}
	}

	for _, runtime := range r.List() {
		if _, keep := wanted[runtime.Scope]; !keep {
			log.Printf("🗑️  Removing agent scope %s (dropped from config)", runtime.Scope)
			r.Remove(runtime.Scope)
		}
	}
}

// Close tears down every runtime
func (r *Registry) Close() {
	for _, runtime := range r.List() {
		r.Remove(runtime.Scope)
	}
}
