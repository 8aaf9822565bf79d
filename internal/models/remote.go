package models

// RemoteContext is the normalized form of a remote conversation thread.
// The wire shape varies between server builds (id/Id/ID, created_at/CreatedAt
// and so on); the normalization layer maps every accepted spelling into this
// one struct so nothing past the boundary handles raw payloads.
type RemoteContext struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsArchived bool   `json:"isArchived"`
	Status     string `json:"status,omitempty"`
	CreatedAt  int64  `json:"createdAt"` // Unix milliseconds
	UpdatedAt  int64  `json:"updatedAt"` // Unix milliseconds

	// DefaultsApplied is true when any field above had to be synthesized
	// because the wire payload was missing or unparsable.
	DefaultsApplied bool `json:"-"`
}

// RemoteTask is one task entry from tasks/list, with its message history
// already normalized. Server ordering is newest-first for both tasks and
// in-task messages.
type RemoteTask struct {
	ID        string    `json:"id"`
	ContextID string    `json:"contextId,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt int64     `json:"createdAt"`
	Messages  []Message `json:"messages"`

	DefaultsApplied bool `json:"-"`
}

// Conversation is a fully assembled remote thread: tasks flattened into one
// chronological (oldest-first) message list.
type Conversation struct {
	ContextID   string       `json:"contextId"`
	Messages    []Message    `json:"messages"`
	Tasks       []RemoteTask `json:"tasks"`
	LastUpdated int64        `json:"lastUpdated"`
}

// ContextUpdate carries the metadata fields contexts/update can change
type ContextUpdate struct {
	Name       *string
	IsArchived *bool
}

// ContextListOptions are the parameters for contexts/list
type ContextListOptions struct {
	Limit           int
	IncludeLastTask bool
	IncludeArchived bool
}
