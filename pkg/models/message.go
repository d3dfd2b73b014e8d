package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MentionKind identifies what a mention points at.
type MentionKind string

const (
	MentionEntity   MentionKind = "entity"
	MentionDocument MentionKind = "document"
)

// Mention is a reference to a world entity or document attached to a
// message at send time. Order is preserved.
type Mention struct {
	Kind MentionKind `json:"kind"`
	ID   string      `json:"id"`
	Name string      `json:"name"`
}

// Attachment represents a file or media attachment on a message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, document
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// Message is one entry in a conversation's ordered log.
//
// Content is an append-only buffer while IsStreaming is true; once
// IsStreaming is false and no tool is pending, the message is immutable.
// A message carries at most one tool invocation.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	IsStreaming    bool            `json:"is_streaming,omitempty"`
	Mentions       []Mention       `json:"mentions,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	Tool           *ToolInvocation `json:"tool,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Clone returns a deep copy of the message. The message log hands out
// clones so callers can never mutate store state behind its lock.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if len(m.Mentions) > 0 {
		clone.Mentions = append([]Mention(nil), m.Mentions...)
	}
	if len(m.Attachments) > 0 {
		clone.Attachments = append([]Attachment(nil), m.Attachments...)
		for i := range clone.Attachments {
			if len(clone.Attachments[i].Data) > 0 {
				clone.Attachments[i].Data = append([]byte(nil), clone.Attachments[i].Data...)
			}
		}
	}
	clone.Tool = m.Tool.Clone()
	return &clone
}

// ContextSnapshot is the retrieval context the agent reported for a turn:
// the documents and entities it consulted while composing its reply.
// It is cached aside for display and is not part of any message content.
type ContextSnapshot struct {
	Documents []ContextRef `json:"documents,omitempty"`
	Entities  []ContextRef `json:"entities,omitempty"`
}

// ContextRef identifies one retrieved document or entity.
type ContextRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RawArgs is a convenience for building tool arguments in tests and
// fixtures without hand-writing JSON.
func RawArgs(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(b)
}
