package world

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fablecraft/fablecraft/pkg/models"
)

// MemoryStore is an in-memory Store for tests and throwaway sessions.
type MemoryStore struct {
	mu            sync.RWMutex
	entities      map[string]*models.Entity
	relationships map[string]*models.Relationship
	documents     map[string]*models.Document
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:      make(map[string]*models.Entity),
		relationships: make(map[string]*models.Relationship),
		documents:     make(map[string]*models.Document),
	}
}

// CreateEntity stores a new entity. Names are unique per project and
// kind, case-insensitively.
func (s *MemoryStore) CreateEntity(_ context.Context, e *models.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.entities {
		if existing.ProjectID == e.ProjectID && existing.Kind == e.Kind &&
			strings.EqualFold(existing.Name, e.Name) {
			return fmt.Errorf("%w: %s %q already exists", ErrConflict, e.Kind, e.Name)
		}
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	clone := cloneEntity(e)
	s.entities[clone.ID] = clone
	return nil
}

// GetEntity returns the entity with the given ID.
func (s *MemoryStore) GetEntity(_ context.Context, id string) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	return cloneEntity(e), nil
}

// UpdateEntity replaces a stored entity's mutable fields.
func (s *MemoryStore) UpdateEntity(_ context.Context, e *models.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.entities[e.ID]
	if !ok {
		return fmt.Errorf("%w: entity %s", ErrNotFound, e.ID)
	}
	updated := cloneEntity(e)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.entities[e.ID] = updated
	return nil
}

// DeleteEntity removes an entity and the relationships touching it.
func (s *MemoryStore) DeleteEntity(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; !ok {
		return fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	delete(s.entities, id)
	for rid, rel := range s.relationships {
		if rel.FromID == id || rel.ToID == id {
			delete(s.relationships, rid)
		}
	}
	return nil
}

// ListEntities returns entities matching the filter, sorted by name.
func (s *MemoryStore) ListEntities(_ context.Context, filter EntityFilter) ([]*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Entity
	for _, e := range s.entities {
		if filter.ProjectID != "" && e.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.Name != "" && !strings.Contains(strings.ToLower(e.Name), strings.ToLower(filter.Name)) {
			continue
		}
		out = append(out, cloneEntity(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateRelationship stores a typed edge between two existing entities.
func (s *MemoryStore) CreateRelationship(_ context.Context, r *models.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[r.FromID]; !ok {
		return fmt.Errorf("%w: entity %s", ErrNotFound, r.FromID)
	}
	if _, ok := s.entities[r.ToID]; !ok {
		return fmt.Errorf("%w: entity %s", ErrNotFound, r.ToID)
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	clone := *r
	s.relationships[clone.ID] = &clone
	return nil
}

// DeleteRelationship removes an edge.
func (s *MemoryStore) DeleteRelationship(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.relationships[id]; !ok {
		return fmt.Errorf("%w: relationship %s", ErrNotFound, id)
	}
	delete(s.relationships, id)
	return nil
}

// ListRelationships returns edges in a project; entityID, when set,
// restricts to edges touching that entity.
func (s *MemoryStore) ListRelationships(_ context.Context, projectID, entityID string) ([]*models.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Relationship
	for _, r := range s.relationships {
		if projectID != "" && r.ProjectID != projectID {
			continue
		}
		if entityID != "" && r.FromID != entityID && r.ToID != entityID {
			continue
		}
		clone := *r
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveDocument creates or replaces a document.
func (s *MemoryStore) SaveDocument(_ context.Context, d *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if existing, ok := s.documents[d.ID]; ok {
		d.CreatedAt = existing.CreatedAt
	} else {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	clone := *d
	s.documents[clone.ID] = &clone
	return nil
}

// GetDocument returns the document with the given ID.
func (s *MemoryStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	clone := *d
	return &clone, nil
}

// ListDocuments returns a project's documents sorted by title.
func (s *MemoryStore) ListDocuments(_ context.Context, projectID string) ([]*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Document
	for _, d := range s.documents {
		if projectID != "" && d.ProjectID != projectID {
			continue
		}
		clone := *d
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func cloneEntity(e *models.Entity) *models.Entity {
	clone := *e
	if len(e.Attributes) > 0 {
		clone.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			clone.Attributes[k] = v
		}
	}
	return &clone
}
