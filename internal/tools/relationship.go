package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fablecraft/fablecraft/internal/agent"
	"github.com/fablecraft/fablecraft/internal/world"
	"github.com/fablecraft/fablecraft/pkg/models"
)

// CreateRelationshipHandler links two existing entities.
type CreateRelationshipHandler struct {
	Store     world.Store
	ProjectID string
}

type createRelationshipArgs struct {
	FromID      string `json:"from_id"`
	ToID        string `json:"to_id"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

func (h *CreateRelationshipHandler) Name() string { return "create_relationship" }

func (h *CreateRelationshipHandler) Description() string {
	return "Create a typed relationship between two existing entities, e.g. ally, rival, located_in."
}

func (h *CreateRelationshipHandler) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"from_id": {"type": "string", "minLength": 1},
			"to_id": {"type": "string", "minLength": 1},
			"kind": {"type": "string", "minLength": 1},
			"description": {"type": "string"}
		},
		"required": ["from_id", "to_id", "kind"],
		"additionalProperties": false
	}`)
}

func (h *CreateRelationshipHandler) Execute(ctx context.Context, args json.RawMessage) (*agent.HandlerResult, error) {
	var in createRelationshipArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	rel := &models.Relationship{
		ProjectID:   h.ProjectID,
		FromID:      in.FromID,
		ToID:        in.ToID,
		Kind:        in.Kind,
		Description: in.Description,
	}
	if err := h.Store.CreateRelationship(ctx, rel); err != nil {
		return nil, err
	}

	return &agent.HandlerResult{
		Data:    models.RawArgs(rel),
		Summary: fmt.Sprintf("linked %s -[%s]-> %s", in.FromID, in.Kind, in.ToID),
	}, nil
}

// DeleteRelationshipHandler removes a relationship.
type DeleteRelationshipHandler struct {
	Store world.Store
}

func (h *DeleteRelationshipHandler) Name() string { return "delete_relationship" }

func (h *DeleteRelationshipHandler) Description() string {
	return "Delete a relationship between two entities."
}

func (h *DeleteRelationshipHandler) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1}
		},
		"required": ["id"],
		"additionalProperties": false
	}`)
}

func (h *DeleteRelationshipHandler) Execute(ctx context.Context, args json.RawMessage) (*agent.HandlerResult, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	if err := h.Store.DeleteRelationship(ctx, in.ID); err != nil {
		return nil, err
	}
	return &agent.HandlerResult{
		Data:    models.RawArgs(map[string]string{"deleted": in.ID}),
		Summary: "deleted relationship " + in.ID,
	}, nil
}
