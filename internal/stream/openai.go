package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fablecraft/fablecraft/pkg/models"
)

// OpenAISource runs turns against OpenAI-compatible chat APIs. Tool
// calls arrive fragmented across deltas and are accumulated per index
// before a proposal event is emitted.
type OpenAISource struct {
	client     *openai.Client
	tools      []ToolDef
	system     string
	model      string
	maxTokens  int
	maxRetries int
	retryDelay time.Duration
}

// OpenAIConfig configures the OpenAI-compatible source.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API base URL, for compatible gateways.
	BaseURL string

	// System is the system prompt prepended to every turn.
	System string

	// Tools are offered to the model on every turn.
	Tools []ToolDef

	// Model defaults to gpt-4o.
	Model string

	MaxTokens  int
	MaxRetries int
	RetryDelay time.Duration
}

// NewOpenAISource creates an OpenAI-compatible source.
func NewOpenAISource(config OpenAIConfig) (*OpenAISource, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.Model == "" {
		config.Model = "gpt-4o"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAISource{
		client:     openai.NewClientWithConfig(clientConfig),
		tools:      config.Tools,
		system:     config.System,
		model:      config.Model,
		maxTokens:  config.MaxTokens,
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}, nil
}

// Stream implements Source.
func (s *OpenAISource) Stream(ctx context.Context, req *TurnRequest) (<-chan Event, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: s.buildMessages(req.Messages),
		Stream:   true,
	}
	if s.maxTokens > 0 {
		chatReq.MaxTokens = s.maxTokens
	}
	if len(s.tools) > 0 {
		chatReq.Tools = openaiTools(s.tools)
	}

	// Linear backoff on transient open failures.
	var chatStream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.retryDelay * time.Duration(attempt)):
			}
		}
		chatStream, lastErr = s.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !retryableProviderError(lastErr) {
			return nil, fmt.Errorf("openai: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	out := make(chan Event)
	go s.pump(ctx, chatStream, out)
	return out, nil
}

func (s *OpenAISource) pump(ctx context.Context, chatStream *openai.ChatCompletionStream, out chan<- Event) {
	defer close(out)
	defer chatStream.Close()

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Tool call fragments keyed by the API's parallel-call index.
	type partialCall struct {
		id   string
		name string
		args []byte
	}
	calls := make(map[int]*partialCall)
	var order []int

	flush := func() bool {
		for _, idx := range order {
			pc := calls[idx]
			if pc.id == "" || pc.name == "" {
				continue
			}
			args := pc.args
			if len(args) == 0 {
				args = []byte("{}")
			}
			if !emit(ToolProposal(pc.id, pc.name, json.RawMessage(args))) {
				return false
			}
		}
		calls = make(map[int]*partialCall)
		order = order[:0]
		return true
	}

	for {
		if ctx.Err() != nil {
			return
		}

		response, err := chatStream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flush() {
					return
				}
				emit(Done())
				return
			}
			if ctx.Err() == nil {
				emit(Failed(fmt.Errorf("openai: %w", err)))
			}
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" && !emit(Delta(choice.Delta.Content)) {
			return
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			pc := calls[index]
			if pc == nil {
				pc = &partialCall{}
				calls[index] = pc
				order = append(order, index)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args = append(pc.args, tc.Function.Arguments...)
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

// buildMessages converts conversation history to chat-completion
// messages. Executed tools are replayed as an assistant tool call plus
// a tool-role result message.
func (s *OpenAISource) buildMessages(history []*models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(history)+1)

	if s.system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: s.system,
		})
	}

	for _, msg := range history {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}

		oaiMsg := openai.ChatCompletionMessage{Role: role, Content: msg.Content}

		if msg.Tool != nil && msg.Tool.Status.Terminal() {
			oaiMsg.ToolCalls = []openai.ToolCall{{
				ID:   msg.Tool.ToolCallID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      msg.Tool.ToolName,
					Arguments: string(orEmptyObject(msg.Tool.Args)),
				},
			}}
			result = append(result, oaiMsg)
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    toolResultText(msg.Tool),
				ToolCallID: msg.Tool.ToolCallID,
			})
			continue
		}

		if msg.Content == "" {
			continue
		}
		result = append(result, oaiMsg)
	}

	return result
}

func openaiTools(defs []ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(defs))
	for i, def := range defs {
		var schemaMap map[string]any
		if err := json.Unmarshal(def.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
