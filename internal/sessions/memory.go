package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fablecraft/fablecraft/pkg/models"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message // conversation ID -> ordered log
	index         map[string]int               // message ID -> position in its log
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		index:         make(map[string]int),
	}
}

func (s *MemoryStore) SaveConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *conv
	if existing, ok := s.conversations[conv.ID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	clone.UpdatedAt = time.Now().UTC()
	s.conversations[conv.ID] = &clone
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, projectID string) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Conversation, 0)
	for _, conv := range s.conversations {
		if projectID != "" && conv.ProjectID != projectID {
			continue
		}
		clone := *conv
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	s.deleteLocked(id)
	return nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := msg.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	if pos, ok := s.index[msg.ID]; ok {
		s.messages[clone.ConversationID][pos] = clone
		return nil
	}
	log := s.messages[clone.ConversationID]
	s.index[msg.ID] = len(log)
	s.messages[clone.ConversationID] = append(log, clone)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.messages[conversationID]
	out := make([]*models.Message, len(log))
	for i, msg := range log {
		out[i] = msg.Clone()
	}
	return out, nil
}

func (s *MemoryStore) DeleteConversationsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, conv := range s.conversations {
		if conv.UpdatedAt.Before(cutoff) {
			s.deleteLocked(id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) deleteLocked(id string) {
	delete(s.conversations, id)
	for _, msg := range s.messages[id] {
		delete(s.index, msg.ID)
	}
	delete(s.messages, id)
}

func (s *MemoryStore) Close() error { return nil }
