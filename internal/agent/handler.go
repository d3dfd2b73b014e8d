package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fablecraft/fablecraft/internal/stream"
	"github.com/fablecraft/fablecraft/pkg/models"
)

// Handler executes one tool's effect. Implementations must honor ctx
// cancellation: the runtime cancels the execution context when the user
// cancels the call, and a handler that keeps running after that has its
// result discarded.
type Handler interface {
	// Name is the tool name the agent proposes calls under.
	Name() string

	// Description is shown to the model when tools are offered directly.
	Description() string

	// Schema is the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the effect. Expected failures return an error; the
	// runtime converts it to a terminal failed status.
	Execute(ctx context.Context, args json.RawMessage) (*HandlerResult, error)
}

// HandlerResult is the outcome of a successful execution.
type HandlerResult struct {
	// Data is the structured result recorded on the invocation and
	// replayed to the agent on later turns.
	Data json.RawMessage

	// Summary is a short human-readable description of what happened.
	Summary string

	// Artifacts are produced resources the UI can link to.
	Artifacts []models.Artifact
}

// HandlerRegistry holds the registered tool handlers and their compiled
// argument schemas. Registration happens at startup; lookups afterward
// are concurrent.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	schemas  map[string]*jsonschema.Schema
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Register adds a handler and compiles its schema. Registering a second
// handler under the same name is a programming error.
func (r *HandlerRegistry) Register(h Handler) error {
	name := h.Name()
	if name == "" {
		return fmt.Errorf("agent: handler has empty name")
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(h.Schema()))
	if err != nil {
		return fmt.Errorf("agent: compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("agent: handler %s already registered", name)
	}
	r.handlers[name] = h
	r.schemas[name] = compiled
	return nil
}

// Get returns the handler for a tool name.
func (r *HandlerRegistry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Validate checks raw arguments against the tool's compiled schema.
// Unknown tools and malformed JSON are validation failures too.
func (r *HandlerRegistry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return &ValidationError{ToolName: name, Cause: ErrUnknownTool}
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return &ValidationError{ToolName: name, Cause: err}
	}
	if err := schema.Validate(decoded); err != nil {
		return &ValidationError{ToolName: name, Cause: err}
	}
	return nil
}

// Defs returns the tool definitions offered to direct provider sources,
// sorted by name for a stable prompt.
func (r *HandlerRegistry) Defs() []stream.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]stream.ToolDef, 0, len(r.handlers))
	for _, h := range r.handlers {
		defs = append(defs, stream.ToolDef{
			Name:        h.Name(),
			Description: h.Description(),
			Schema:      h.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
