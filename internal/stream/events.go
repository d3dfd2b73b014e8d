// Package stream consumes an agent's incremental response and
// demultiplexes it into a typed event sequence. The remote agent
// endpoint is treated as an opaque SSE producer; built-in provider
// adapters produce the same event sequence for local runs.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fablecraft/fablecraft/pkg/models"
)

// EventType discriminates the decoded event union.
type EventType string

const (
	// EventContext reports the retrieval context the agent consulted.
	EventContext EventType = "context"

	// EventDelta carries an incremental text fragment.
	EventDelta EventType = "delta"

	// EventTool proposes a tool call.
	EventTool EventType = "tool"

	// EventProgress reports execution progress for a tool call.
	EventProgress EventType = "progress"

	// EventDone terminates the stream successfully.
	EventDone EventType = "done"

	// EventError terminates the stream with a failure.
	EventError EventType = "error"
)

// Event is one decoded stream event. Exactly the fields implied by Type
// are set; consumers switch on Type exhaustively.
type Event struct {
	Type EventType

	// Context is set for EventContext.
	Context *models.ContextSnapshot

	// Text is set for EventDelta.
	Text string

	// ToolCallID is set for EventTool and EventProgress.
	ToolCallID string

	// ToolName and Args are set for EventTool.
	ToolName string
	Args     json.RawMessage

	// Progress is set for EventProgress.
	Progress *models.Progress

	// Err is set for EventError.
	Err error
}

// Delta creates a text fragment event.
func Delta(text string) Event {
	return Event{Type: EventDelta, Text: text}
}

// ToolProposal creates a tool proposal event.
func ToolProposal(toolCallID, toolName string, args json.RawMessage) Event {
	return Event{Type: EventTool, ToolCallID: toolCallID, ToolName: toolName, Args: args}
}

// ToolProgress creates a progress event for a tool call.
func ToolProgress(toolCallID, stage string, percent float64) Event {
	return Event{
		Type:       EventProgress,
		ToolCallID: toolCallID,
		Progress:   &models.Progress{Stage: stage, Percent: percent},
	}
}

// Retrieved creates a context event.
func Retrieved(snapshot *models.ContextSnapshot) Event {
	return Event{Type: EventContext, Context: snapshot}
}

// Done creates the success terminator.
func Done() Event {
	return Event{Type: EventDone}
}

// Failed creates the failure terminator.
func Failed(err error) Event {
	return Event{Type: EventError, Err: err}
}

// TurnRequest is the payload for one conversational turn sent to the
// agent endpoint: prior messages, project scope, mentions, and editor
// context.
type TurnRequest struct {
	ConversationID string             `json:"conversation_id"`
	ProjectID      string             `json:"project_id,omitempty"`
	Messages       []*models.Message  `json:"messages"`
	Mentions       []models.Mention   `json:"mentions,omitempty"`
	EditorContext  string             `json:"editor_context,omitempty"`
	Mode           string             `json:"mode,omitempty"`
}

// Source produces the event stream for one turn. Implementations must
// stop producing promptly once ctx is cancelled and close the returned
// channel when the sequence ends.
type Source interface {
	Stream(ctx context.Context, req *TurnRequest) (<-chan Event, error)
}

// ToolDef describes one tool offered to a built-in provider adapter.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ParseError wraps a malformed frame encountered while decoding.
type ParseError struct {
	Frame string
	Cause error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream: malformed frame %q: %v", e.Frame, e.Cause)
	}
	return fmt.Sprintf("stream: malformed frame %q", e.Frame)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}
