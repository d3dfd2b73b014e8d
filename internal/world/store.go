// Package world is the persistence boundary for story world state:
// entities, relationships between them, and story documents. Effect
// handlers are the only callers; expected failures come back as errors,
// never panics.
package world

import (
	"context"
	"errors"

	"github.com/fablecraft/fablecraft/pkg/models"
)

// Store errors.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("world: not found")

	// ErrConflict indicates a write collided with an existing record,
	// for example a duplicate entity name within a project.
	ErrConflict = errors.New("world: conflict")
)

// EntityFilter narrows ListEntities. Zero values match everything.
type EntityFilter struct {
	ProjectID string
	Kind      models.EntityKind
	Name      string
}

// Store is the world persistence interface. Implementations must be safe
// for concurrent use; independent tool executions hit it in parallel.
type Store interface {
	CreateEntity(ctx context.Context, e *models.Entity) error
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
	UpdateEntity(ctx context.Context, e *models.Entity) error
	DeleteEntity(ctx context.Context, id string) error
	ListEntities(ctx context.Context, filter EntityFilter) ([]*models.Entity, error)

	CreateRelationship(ctx context.Context, r *models.Relationship) error
	DeleteRelationship(ctx context.Context, id string) error
	ListRelationships(ctx context.Context, projectID, entityID string) ([]*models.Relationship, error)

	SaveDocument(ctx context.Context, d *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, projectID string) ([]*models.Document, error)

	Close() error
}
