package models

import "time"

// EntityKind categorizes a world entity.
type EntityKind string

const (
	EntityCharacter EntityKind = "character"
	EntityLocation  EntityKind = "location"
	EntityItem      EntityKind = "item"
	EntityFaction   EntityKind = "faction"
	EntityEvent     EntityKind = "event"
)

// Entity is a world-building record: a character, location, item,
// faction, or event belonging to a project.
type Entity struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id"`
	Kind        EntityKind        `json:"kind"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Relationship links two entities with a typed edge, e.g. "ally",
// "rival", "located_in".
type Relationship struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	FromID      string    `json:"from_id"`
	ToID        string    `json:"to_id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Document is a story document: a chapter, scene, or note.
type Document struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
