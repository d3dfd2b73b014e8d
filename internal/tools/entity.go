// Package tools contains the effect handlers the agent can propose:
// world entity and relationship mutations, document saves, story
// analysis, and prose generation. This is the only package that writes
// to the world store.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fablecraft/fablecraft/internal/agent"
	"github.com/fablecraft/fablecraft/internal/world"
	"github.com/fablecraft/fablecraft/pkg/models"
)

// CreateEntityHandler creates a world entity.
type CreateEntityHandler struct {
	Store     world.Store
	ProjectID string
}

type createEntityArgs struct {
	Kind        string            `json:"kind"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Attributes  map[string]string `json:"attributes"`
}

func (h *CreateEntityHandler) Name() string { return "create_entity" }

func (h *CreateEntityHandler) Description() string {
	return "Create a world entity (character, location, item, faction, or event) in the current project."
}

func (h *CreateEntityHandler) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"kind": {"type": "string", "enum": ["character", "location", "item", "faction", "event"]},
			"name": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"attributes": {"type": "object", "additionalProperties": {"type": "string"}}
		},
		"required": ["kind", "name"],
		"additionalProperties": false
	}`)
}

func (h *CreateEntityHandler) Execute(ctx context.Context, args json.RawMessage) (*agent.HandlerResult, error) {
	var in createEntityArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	entity := &models.Entity{
		ProjectID:   h.ProjectID,
		Kind:        models.EntityKind(in.Kind),
		Name:        in.Name,
		Description: in.Description,
		Attributes:  in.Attributes,
	}
	if err := h.Store.CreateEntity(ctx, entity); err != nil {
		return nil, err
	}

	return &agent.HandlerResult{
		Data:    models.RawArgs(entity),
		Summary: fmt.Sprintf("created %s %q", entity.Kind, entity.Name),
	}, nil
}

// UpdateEntityHandler updates fields of an existing entity.
type UpdateEntityHandler struct {
	Store world.Store
}

type updateEntityArgs struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Attributes  map[string]string `json:"attributes"`
}

func (h *UpdateEntityHandler) Name() string { return "update_entity" }

func (h *UpdateEntityHandler) Description() string {
	return "Update an existing world entity's name, description, or attributes."
}

func (h *UpdateEntityHandler) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"name": {"type": "string"},
			"description": {"type": "string"},
			"attributes": {"type": "object", "additionalProperties": {"type": "string"}}
		},
		"required": ["id"],
		"additionalProperties": false
	}`)
}

func (h *UpdateEntityHandler) Execute(ctx context.Context, args json.RawMessage) (*agent.HandlerResult, error) {
	var in updateEntityArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	entity, err := h.Store.GetEntity(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if in.Name != "" {
		entity.Name = in.Name
	}
	if in.Description != "" {
		entity.Description = in.Description
	}
	if in.Attributes != nil {
		if entity.Attributes == nil {
			entity.Attributes = make(map[string]string)
		}
		for k, v := range in.Attributes {
			entity.Attributes[k] = v
		}
	}
	if err := h.Store.UpdateEntity(ctx, entity); err != nil {
		return nil, err
	}

	return &agent.HandlerResult{
		Data:    models.RawArgs(entity),
		Summary: fmt.Sprintf("updated %s %q", entity.Kind, entity.Name),
	}, nil
}

// DeleteEntityHandler removes an entity and its relationships.
type DeleteEntityHandler struct {
	Store world.Store
}

func (h *DeleteEntityHandler) Name() string { return "delete_entity" }

func (h *DeleteEntityHandler) Description() string {
	return "Delete a world entity and every relationship that touches it."
}

func (h *DeleteEntityHandler) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1}
		},
		"required": ["id"],
		"additionalProperties": false
	}`)
}

func (h *DeleteEntityHandler) Execute(ctx context.Context, args json.RawMessage) (*agent.HandlerResult, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	if err := h.Store.DeleteEntity(ctx, in.ID); err != nil {
		return nil, err
	}
	return &agent.HandlerResult{
		Data:    models.RawArgs(map[string]string{"deleted": in.ID}),
		Summary: "deleted entity " + in.ID,
	}, nil
}
