// Package chat holds the shared mutable state of one open conversation:
// the ordered message log and the registry of cancellation handles for
// in-flight operations.
package chat

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fablecraft/fablecraft/pkg/models"
)

// Store errors.
var (
	// ErrMessageNotFound indicates the message ID is not in the log.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNoTool indicates the message carries no tool invocation.
	ErrNoTool = errors.New("message has no tool invocation")

	// ErrDuplicateMessage indicates a message with the same ID already
	// exists in the log.
	ErrDuplicateMessage = errors.New("duplicate message id")
)

// MessageStore is the ordered log of chat messages for one conversation.
//
// It is the single shared mutable resource of the engine. All mutations
// are small keyed patches applied under one mutex; reads hand out deep
// clones so callers can never mutate store state concurrently. Content
// appended to a streaming message is monotonic: it is never truncated
// until the message is finalized.
type MessageStore struct {
	mu         sync.RWMutex
	order      []*models.Message
	byID       map[string]*models.Message
	byToolCall map[string]string // tool call ID -> message ID
	version    uint64
}

// NewMessageStore creates an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:       make(map[string]*models.Message),
		byToolCall: make(map[string]string),
	}
}

// Append adds a message to the end of the log. The store keeps its own
// clone; later changes to the caller's copy are not reflected.
func (s *MessageStore) Append(msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return errors.New("message with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[msg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
	}
	clone := msg.Clone()
	s.order = append(s.order, clone)
	s.byID[clone.ID] = clone
	if clone.Tool != nil && clone.Tool.ToolCallID != "" {
		s.byToolCall[clone.Tool.ToolCallID] = clone.ID
	}
	s.version++
	return nil
}

// Get returns a clone of the message with the given ID.
func (s *MessageStore) Get(id string) (*models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return msg.Clone(), true
}

// Messages returns a cloned snapshot of the full log in order.
func (s *MessageStore) Messages() []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Message, len(s.order))
	for i, msg := range s.order {
		out[i] = msg.Clone()
	}
	return out
}

// Len returns the number of messages in the log.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Version returns a counter incremented on every mutation. The gateway
// uses it to push snapshots to clients only when something changed.
func (s *MessageStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// AppendContent appends a text delta to a message's content buffer.
// Content grows monotonically; there is no operation that truncates it.
func (s *MessageStore) AppendContent(id, delta string) error {
	if delta == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	msg.Content += delta
	s.version++
	return nil
}

// SetContent replaces a message's content. Used only to install the
// fallback text on a failed turn whose placeholder received no deltas.
func (s *MessageStore) SetContent(id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	msg.Content = content
	s.version++
	return nil
}

// Finalize clears a message's streaming flag.
func (s *MessageStore) Finalize(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	msg.IsStreaming = false
	s.version++
	return nil
}

// PatchTool applies fn to the tool invocation of the given message,
// atomically under the store lock. fn receives the live invocation; if
// it returns an error, no version bump occurs and the error is returned
// unchanged. This is the only way tool state is mutated.
func (s *MessageStore) PatchTool(messageID string, fn func(*models.ToolInvocation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[messageID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if msg.Tool == nil {
		return fmt.Errorf("%w: %s", ErrNoTool, messageID)
	}
	if err := fn(msg.Tool); err != nil {
		return err
	}
	s.version++
	return nil
}

// PatchToolByCallID is PatchTool keyed by the agent-issued tool call ID,
// used to route progress events that arrive independent of message IDs.
func (s *MessageStore) PatchToolByCallID(toolCallID string, fn func(*models.ToolInvocation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	messageID, ok := s.byToolCall[toolCallID]
	if !ok {
		return fmt.Errorf("%w: tool call %s", ErrMessageNotFound, toolCallID)
	}
	msg := s.byID[messageID]
	if msg == nil || msg.Tool == nil {
		return fmt.Errorf("%w: tool call %s", ErrNoTool, toolCallID)
	}
	if err := fn(msg.Tool); err != nil {
		return err
	}
	s.version++
	return nil
}

// MessageIDForToolCall resolves an agent-issued tool call ID to the
// message displaying it.
func (s *MessageStore) MessageIDForToolCall(toolCallID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToolCall[toolCallID]
	return id, ok
}

// HasToolCall reports whether a tool call ID is already present in the
// log. Duplicate proposals from a replayed stream are detected with this
// and dropped.
func (s *MessageStore) HasToolCall(toolCallID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byToolCall[toolCallID]
	return ok
}

// ToolStatus returns the current status of the invocation on a message.
func (s *MessageStore) ToolStatus(messageID string) (models.ToolStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[messageID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if msg.Tool == nil {
		return "", fmt.Errorf("%w: %s", ErrNoTool, messageID)
	}
	return msg.Tool.Status, nil
}

// Reset clears the log. Called when switching conversations or projects,
// after all in-flight operations have been aborted.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.byID = make(map[string]*models.Message)
	s.byToolCall = make(map[string]string)
	s.version++
}
