package models

import "time"

// Conversation is one chat thread with the agent. It owns an ordered
// message list held by the message store; the persisted copy lives in
// the session store.
type Conversation struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	IsNew     bool      `json:"is_new,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
