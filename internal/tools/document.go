package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fablecraft/fablecraft/internal/agent"
	"github.com/fablecraft/fablecraft/internal/world"
	"github.com/fablecraft/fablecraft/pkg/models"
)

// SaveDocumentHandler creates or replaces a story document.
type SaveDocumentHandler struct {
	Store     world.Store
	ProjectID string
}

type saveDocumentArgs struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (h *SaveDocumentHandler) Name() string { return "save_document" }

func (h *SaveDocumentHandler) Description() string {
	return "Create or overwrite a story document (chapter, scene, or note). Pass an id to overwrite."
}

func (h *SaveDocumentHandler) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"title": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		},
		"required": ["title", "content"],
		"additionalProperties": false
	}`)
}

func (h *SaveDocumentHandler) Execute(ctx context.Context, args json.RawMessage) (*agent.HandlerResult, error) {
	var in saveDocumentArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	doc := &models.Document{
		ID:        in.ID,
		ProjectID: h.ProjectID,
		Title:     in.Title,
		Content:   in.Content,
	}
	if err := h.Store.SaveDocument(ctx, doc); err != nil {
		return nil, err
	}

	return &agent.HandlerResult{
		Data:    models.RawArgs(map[string]string{"id": doc.ID, "title": doc.Title}),
		Summary: fmt.Sprintf("saved document %q", doc.Title),
		Artifacts: []models.Artifact{{
			ID:       doc.ID,
			Type:     "file",
			MimeType: "text/markdown",
			Filename: doc.Title + ".md",
		}},
	}, nil
}
