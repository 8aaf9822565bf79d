// Package storage provides the asynchronous key-value store backing the
// session repository, with interchangeable backends (memory, sqlite, redis,
// mongo). Keys are namespaced per agent endpoint.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when a key has no value
var ErrNotFound = errors.New("key not found")

// Store is an abstract asynchronous key-value store
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// ScopeForAgent derives the stable storage namespace for an agent endpoint
// from its URL. The scope must not change across restarts, so it is a
// truncated content hash rather than anything session-local.
func ScopeForAgent(agentURL string) string {
	sum := sha256.Sum256([]byte(agentURL))
	return hex.EncodeToString(sum[:])[:16]
}

// SessionsKey is the map of session id -> session for one agent scope
func SessionsKey(scope string) string {
	return fmt.Sprintf("sessions:%s", scope)
}

// ActiveSessionKey is the active-session pointer for one agent scope
func ActiveSessionKey(scope string) string {
	return fmt.Sprintf("activeSession:%s", scope)
}

// MessagesKey is the fast-path transport location the live chat UI reads its
// working message buffer from; the facade stages it on every session switch.
func MessagesKey(scope, sessionKey string) string {
	return fmt.Sprintf("messages:%s:%s", scope, sessionKey)
}

// ContextKey is the fast-path transport location for the active session's
// remote context id.
func ContextKey(scope, sessionKey string) string {
	return fmt.Sprintf("context:%s:%s", scope, sessionKey)
}
