package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fablecraft/fablecraft/internal/agent"
	"github.com/fablecraft/fablecraft/internal/stream"
	"github.com/fablecraft/fablecraft/pkg/models"
)

// GenerateContentHandler drafts prose with the configured model source
// and returns it for the user to review. It collects the source's delta
// events into a single draft; nothing is written to the world store.
type GenerateContentHandler struct {
	Source    stream.Source
	ProjectID string
}

type generateContentArgs struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style"`
}

func (h *GenerateContentHandler) Name() string { return "generate_content" }

func (h *GenerateContentHandler) Description() string {
	return "Draft prose from a prompt, e.g. a scene outline or character sketch. Returns the draft; it is not saved."
}

func (h *GenerateContentHandler) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "minLength": 1},
			"style": {"type": "string"}
		},
		"required": ["prompt"],
		"additionalProperties": false
	}`)
}

func (h *GenerateContentHandler) Execute(ctx context.Context, args json.RawMessage) (*agent.HandlerResult, error) {
	var in generateContentArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	prompt := in.Prompt
	if in.Style != "" {
		prompt += "\n\nStyle: " + in.Style
	}

	events, err := h.Source.Stream(ctx, &stream.TurnRequest{
		ProjectID: h.ProjectID,
		Messages: []*models.Message{{
			ID:      "generate",
			Role:    models.RoleUser,
			Content: prompt,
		}},
		Mode: "generate",
	})
	if err != nil {
		return nil, err
	}

	var draft strings.Builder
	for ev := range events {
		switch ev.Type {
		case stream.EventDelta:
			draft.WriteString(ev.Text)
		case stream.EventError:
			return nil, ev.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if draft.Len() == 0 {
		return nil, errors.New("model returned no content")
	}

	return &agent.HandlerResult{
		Data:    models.RawArgs(map[string]string{"draft": draft.String()}),
		Summary: fmt.Sprintf("drafted %d characters", draft.Len()),
	}, nil
}
