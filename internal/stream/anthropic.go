package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fablecraft/fablecraft/pkg/models"
)

// AnthropicSource runs turns directly against Anthropic's API instead of
// the hosted agent endpoint. It emits the same event sequence the SSE
// decoder produces, so the orchestrator treats both sources identically.
type AnthropicSource struct {
	client       anthropic.Client
	tools        []ToolDef
	system       string
	defaultModel string
	maxTokens    int
	maxRetries   int
	retryDelay   time.Duration
}

// AnthropicConfig configures the direct Anthropic source.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API base URL when set.
	BaseURL string

	// System is the system prompt prepended to every turn.
	System string

	// Tools are offered to the model on every turn.
	Tools []ToolDef

	// Model defaults to claude-sonnet-4-20250514.
	Model string

	// MaxTokens defaults to 4096.
	MaxTokens int

	// MaxRetries bounds stream-open retries for transient failures.
	// Default 3.
	MaxRetries int

	// RetryDelay is the exponential backoff base. Default 1s.
	RetryDelay time.Duration
}

// NewAnthropicSource creates a direct Anthropic source.
func NewAnthropicSource(config AnthropicConfig) (*AnthropicSource, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.Model == "" {
		config.Model = "claude-sonnet-4-20250514"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicSource{
		client:       anthropic.NewClient(options...),
		tools:        config.Tools,
		system:       config.System,
		defaultModel: config.Model,
		maxTokens:    config.MaxTokens,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
	}, nil
}

// Stream implements Source.
func (s *AnthropicSource) Stream(ctx context.Context, req *TurnRequest) (<-chan Event, error) {
	params, err := s.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)

		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var sse *ssestream.Stream[anthropic.MessageStreamEventUnion]
		for attempt := 0; attempt <= s.maxRetries; attempt++ {
			sse = s.client.Messages.NewStreaming(ctx, params)
			if sse.Err() == nil {
				break
			}
			if !retryableProviderError(sse.Err()) {
				emit(Failed(fmt.Errorf("anthropic: %w", sse.Err())))
				return
			}
			if attempt < s.maxRetries {
				backoff := s.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
			}
		}
		if sse.Err() != nil {
			emit(Failed(fmt.Errorf("anthropic: max retries exceeded: %w", sse.Err())))
			return
		}

		s.pump(ctx, sse, emit)
	}()

	return out, nil
}

// pump converts the SDK event stream into turn events. Tool input
// arrives as partial JSON across content_block_delta events and is
// assembled before the proposal is emitted.
func (s *AnthropicSource) pump(ctx context.Context, sse *ssestream.Stream[anthropic.MessageStreamEventUnion], emit func(Event) bool) {
	var toolCallID, toolName string
	var toolInput strings.Builder

	for sse.Next() {
		if ctx.Err() != nil {
			return
		}
		event := sse.Current()

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				toolCallID = toolUse.ID
				toolName = toolUse.Name
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" && !emit(Delta(delta.Text)) {
					return
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if toolCallID != "" {
				args := toolInput.String()
				if args == "" {
					args = "{}"
				}
				if !emit(ToolProposal(toolCallID, toolName, json.RawMessage(args))) {
					return
				}
				toolCallID, toolName = "", ""
			}

		case "message_stop":
			emit(Done())
			return

		case "error":
			emit(Failed(errors.New("anthropic: stream error")))
			return
		}
	}

	if err := sse.Err(); err != nil && ctx.Err() == nil {
		emit(Failed(fmt.Errorf("anthropic: %w", err)))
		return
	}
	emit(Done())
}

func (s *AnthropicSource) buildParams(req *TurnRequest) (anthropic.MessageNewParams, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.defaultModel),
		Messages:  messages,
		MaxTokens: int64(s.maxTokens),
	}

	if s.system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: s.system}}
	}

	if len(s.tools) > 0 {
		tools, err := anthropicTools(s.tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	return params, nil
}

// anthropicMessages converts conversation history to the API's block
// format. An assistant message carrying an executed tool becomes a
// tool_use block plus a user-role tool_result block, which is how the
// API expects completed calls to be replayed.
func anthropicMessages(history []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		var toolResult *anthropic.ContentBlockParamUnion
		if msg.Tool != nil && msg.Tool.Status.Terminal() {
			var input map[string]any
			if err := json.Unmarshal(orEmptyObject(msg.Tool.Args), &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid args for tool call %s: %w", msg.Tool.ToolCallID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(msg.Tool.ToolCallID, input, msg.Tool.ToolName))

			block := anthropic.NewToolResultBlock(
				msg.Tool.ToolCallID,
				toolResultText(msg.Tool),
				msg.Tool.Status != models.ToolExecuted,
			)
			toolResult = &block
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}

		if toolResult != nil {
			result = append(result, anthropic.NewUserMessage(*toolResult))
		}
	}

	return result, nil
}

func anthropicTools(defs []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", def.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s", def.Name)
		}
		param.OfTool.Description = anthropic.String(def.Description)
		result = append(result, param)
	}

	return result, nil
}

func toolResultText(inv *models.ToolInvocation) string {
	switch inv.Status {
	case models.ToolExecuted:
		if len(inv.Result) > 0 {
			return string(inv.Result)
		}
		return "ok"
	case models.ToolFailed:
		return "tool failed: " + inv.Error
	case models.ToolRejected:
		return "tool call was declined by the user"
	case models.ToolCanceled:
		return "tool call was canceled by the user"
	default:
		return ""
	}
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// retryableProviderError classifies transient failures worth retrying:
// rate limits, 5xx responses, timeouts, and connection resets.
func retryableProviderError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"rate_limit", "rate limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
