package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fablecraft/fablecraft/internal/chat"
	"github.com/fablecraft/fablecraft/pkg/models"
)

const testSchema = `{
	"type": "object",
	"properties": {"name": {"type": "string"}},
	"required": ["name"],
	"additionalProperties": false
}`

type fakeHandler struct {
	name    string
	execute func(ctx context.Context, args json.RawMessage) (*HandlerResult, error)
}

func (h *fakeHandler) Name() string            { return h.name }
func (h *fakeHandler) Description() string     { return "test handler" }
func (h *fakeHandler) Schema() json.RawMessage { return json.RawMessage(testSchema) }
func (h *fakeHandler) Execute(ctx context.Context, args json.RawMessage) (*HandlerResult, error) {
	return h.execute(ctx, args)
}

type capturingPersister struct {
	mu       sync.Mutex
	messages []*models.Message
}

func (p *capturingPersister) SaveConversation(context.Context, *models.Conversation) error {
	return nil
}

func (p *capturingPersister) SaveMessage(_ context.Context, msg *models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

type runtimeFixture struct {
	store   *chat.MessageStore
	aborts  *chat.AbortRegistry
	runtime *Runtime
}

func newRuntimeFixture(t *testing.T, handlers ...Handler) *runtimeFixture {
	t.Helper()
	registry := NewHandlerRegistry()
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	store := chat.NewMessageStore()
	aborts := chat.NewAbortRegistry()
	runtime := NewRuntime(RuntimeOptions{
		Store:    store,
		Aborts:   aborts,
		Handlers: registry,
		Persist:  &capturingPersister{},
	})
	t.Cleanup(runtime.Close)

	return &runtimeFixture{store: store, aborts: aborts, runtime: runtime}
}

func (f *runtimeFixture) propose(t *testing.T, messageID, toolCallID, toolName string, args json.RawMessage) {
	t.Helper()
	err := f.store.Append(&models.Message{
		ID:   messageID,
		Role: models.RoleAssistant,
		Tool: &models.ToolInvocation{
			ToolCallID: toolCallID,
			ToolName:   toolName,
			Args:       args,
			Status:     models.ToolProposed,
		},
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *runtimeFixture) waitStatus(t *testing.T, messageID string, want models.ToolStatus) {
	t.Helper()
	waitFor(t, "status "+string(want), func() bool {
		status, err := f.store.ToolStatus(messageID)
		return err == nil && status == want
	})
}

func TestRuntime_AcceptExecutes(t *testing.T) {
	handler := &fakeHandler{
		name: "create_entity",
		execute: func(context.Context, json.RawMessage) (*HandlerResult, error) {
			return &HandlerResult{
				Data:    json.RawMessage(`{"id":"e1"}`),
				Summary: "created Mira",
			}, nil
		},
	}
	f := newRuntimeFixture(t, handler)
	f.propose(t, "m1", "t1", "create_entity", models.RawArgs(map[string]string{"name": "Mira"}))

	if err := f.runtime.AcceptTool("m1"); err != nil {
		t.Fatalf("AcceptTool() error = %v", err)
	}
	f.waitStatus(t, "m1", models.ToolExecuted)

	msg, _ := f.store.Get("m1")
	if string(msg.Tool.Result) != `{"id":"e1"}` {
		t.Errorf("Result = %s", msg.Tool.Result)
	}
	if msg.Tool.StartedAt.IsZero() {
		t.Error("StartedAt not recorded")
	}

	waitFor(t, "guard release", func() bool { return !f.runtime.Executing("m1") })
	if f.aborts.Len() != 0 {
		t.Errorf("abort registry has %d live handles after execution", f.aborts.Len())
	}
}

func TestRuntime_AcceptSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	handler := &fakeHandler{
		name: "create_entity",
		execute: func(ctx context.Context, _ json.RawMessage) (*HandlerResult, error) {
			close(started)
			select {
			case <-release:
				return &HandlerResult{Data: json.RawMessage(`{}`)}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	f := newRuntimeFixture(t, handler)
	f.propose(t, "m1", "t1", "create_entity", models.RawArgs(map[string]string{"name": "Mira"}))

	if err := f.runtime.AcceptTool("m1"); err != nil {
		t.Fatalf("AcceptTool() error = %v", err)
	}
	<-started

	if err := f.runtime.AcceptTool("m1"); !errors.Is(err, ErrAlreadyExecuting) {
		t.Errorf("second AcceptTool() error = %v, want ErrAlreadyExecuting", err)
	}

	close(release)
	f.waitStatus(t, "m1", models.ToolExecuted)
}

func TestRuntime_AcceptInvalidStatus(t *testing.T) {
	tests := []struct {
		status models.ToolStatus
	}{
		{models.ToolAccepted},
		{models.ToolExecuting},
		{models.ToolExecuted},
		{models.ToolFailed},
		{models.ToolRejected},
		{models.ToolCanceled},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f := newRuntimeFixture(t, &fakeHandler{
				name:    "create_entity",
				execute: func(context.Context, json.RawMessage) (*HandlerResult, error) { return nil, nil },
			})
			err := f.store.Append(&models.Message{
				ID:   "m1",
				Role: models.RoleAssistant,
				Tool: &models.ToolInvocation{ToolCallID: "t1", ToolName: "create_entity", Status: tt.status},
			})
			if err != nil {
				t.Fatal(err)
			}

			acceptErr := f.runtime.AcceptTool("m1")
			var statusErr *InvalidStatusError
			if !errors.As(acceptErr, &statusErr) {
				t.Fatalf("AcceptTool() error = %v, want InvalidStatusError", acceptErr)
			}
			if statusErr.Status != tt.status {
				t.Errorf("error status = %v, want %v", statusErr.Status, tt.status)
			}
			if got, _ := f.store.ToolStatus("m1"); got != tt.status {
				t.Errorf("status mutated to %v", got)
			}
		})
	}
}

func TestRuntime_ValidationFailureShortCircuits(t *testing.T) {
	handlerCalled := false
	handler := &fakeHandler{
		name: "create_entity",
		execute: func(context.Context, json.RawMessage) (*HandlerResult, error) {
			handlerCalled = true
			return nil, nil
		},
	}
	f := newRuntimeFixture(t, handler)
	f.propose(t, "m1", "t1", "create_entity", json.RawMessage(`{"wrong_field": 1}`))

	if err := f.runtime.AcceptTool("m1"); err != nil {
		t.Fatalf("AcceptTool() error = %v", err)
	}

	status, _ := f.store.ToolStatus("m1")
	if status != models.ToolFailed {
		t.Errorf("status = %v, want failed", status)
	}
	msg, _ := f.store.Get("m1")
	if msg.Tool.Error == "" {
		t.Error("validation failure left no error message")
	}
	if handlerCalled {
		t.Error("handler was called despite validation failure")
	}
	if f.aborts.Len() != 0 {
		t.Error("abort handle registered for a validation failure")
	}
	if f.runtime.Executing("m1") {
		t.Error("guard not released after validation failure")
	}
}

func TestRuntime_UnknownToolFails(t *testing.T) {
	f := newRuntimeFixture(t)
	f.propose(t, "m1", "t1", "no_such_tool", json.RawMessage(`{}`))

	if err := f.runtime.AcceptTool("m1"); err != nil {
		t.Fatalf("AcceptTool() error = %v", err)
	}
	if status, _ := f.store.ToolStatus("m1"); status != models.ToolFailed {
		t.Errorf("status = %v, want failed", status)
	}
}

func TestRuntime_Reject(t *testing.T) {
	f := newRuntimeFixture(t, &fakeHandler{
		name:    "create_entity",
		execute: func(context.Context, json.RawMessage) (*HandlerResult, error) { return nil, nil },
	})
	f.propose(t, "m1", "t1", "create_entity", models.RawArgs(map[string]string{"name": "Mira"}))

	if err := f.runtime.RejectTool("m1"); err != nil {
		t.Fatalf("RejectTool() error = %v", err)
	}
	if status, _ := f.store.ToolStatus("m1"); status != models.ToolRejected {
		t.Errorf("status = %v, want rejected", status)
	}

	var statusErr *InvalidStatusError
	if err := f.runtime.RejectTool("m1"); !errors.As(err, &statusErr) {
		t.Errorf("second RejectTool() error = %v, want InvalidStatusError", err)
	}
}

func TestRuntime_CancelPrecedesLateSuccess(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	handler := &fakeHandler{
		name: "generate_content",
		execute: func(ctx context.Context, _ json.RawMessage) (*HandlerResult, error) {
			close(started)
			<-release
			// Deliberately ignores cancellation and reports success.
			return &HandlerResult{Data: json.RawMessage(`{"late":"result"}`)}, nil
		},
	}
	f := newRuntimeFixture(t, handler)
	f.propose(t, "m1", "t1", "generate_content", models.RawArgs(map[string]string{"name": "draft"}))

	if err := f.runtime.AcceptTool("m1"); err != nil {
		t.Fatalf("AcceptTool() error = %v", err)
	}
	<-started

	if err := f.runtime.CancelTool("m1"); err != nil {
		t.Fatalf("CancelTool() error = %v", err)
	}
	if status, _ := f.store.ToolStatus("m1"); status != models.ToolCanceled {
		t.Fatalf("status = %v, want canceled", status)
	}

	close(release)
	waitFor(t, "guard release", func() bool { return !f.runtime.Executing("m1") })

	// The late success must not overwrite the cancellation.
	msg, _ := f.store.Get("m1")
	if msg.Tool.Status != models.ToolCanceled {
		t.Errorf("status = %v after late success, want canceled", msg.Tool.Status)
	}
	if msg.Tool.Result != nil {
		t.Errorf("late result recorded: %s", msg.Tool.Result)
	}
}

func TestRuntime_CancelRequiresExecuting(t *testing.T) {
	f := newRuntimeFixture(t, &fakeHandler{
		name:    "create_entity",
		execute: func(context.Context, json.RawMessage) (*HandlerResult, error) { return nil, nil },
	})
	f.propose(t, "m1", "t1", "create_entity", models.RawArgs(map[string]string{"name": "Mira"}))

	var statusErr *InvalidStatusError
	if err := f.runtime.CancelTool("m1"); !errors.As(err, &statusErr) {
		t.Errorf("CancelTool() on proposed error = %v, want InvalidStatusError", err)
	}
}

func TestRuntime_RetryAfterFailure(t *testing.T) {
	attempts := 0
	handler := &fakeHandler{
		name: "save_document",
		execute: func(context.Context, json.RawMessage) (*HandlerResult, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("disk full")
			}
			return &HandlerResult{Data: json.RawMessage(`{"saved":true}`)}, nil
		},
	}
	f := newRuntimeFixture(t, handler)
	f.propose(t, "m1", "t1", "save_document", models.RawArgs(map[string]string{"name": "ch1"}))

	if err := f.runtime.AcceptTool("m1"); err != nil {
		t.Fatal(err)
	}
	f.waitStatus(t, "m1", models.ToolFailed)
	msg, _ := f.store.Get("m1")
	if msg.Tool.Error != "disk full" {
		t.Errorf("Error = %q", msg.Tool.Error)
	}

	waitFor(t, "guard release", func() bool { return !f.runtime.Executing("m1") })
	if err := f.runtime.RetryTool("m1"); err != nil {
		t.Fatalf("RetryTool() error = %v", err)
	}
	f.waitStatus(t, "m1", models.ToolExecuted)

	msg, _ = f.store.Get("m1")
	if msg.Tool.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", msg.Tool.RetryCount)
	}
	if msg.Tool.Error != "" {
		t.Errorf("Error not cleared on retry: %q", msg.Tool.Error)
	}
	if string(msg.Tool.Result) != `{"saved":true}` {
		t.Errorf("Result = %s", msg.Tool.Result)
	}
}

func TestRuntime_RetryRequiresFailedOrCanceled(t *testing.T) {
	f := newRuntimeFixture(t, &fakeHandler{
		name: "create_entity",
		execute: func(context.Context, json.RawMessage) (*HandlerResult, error) {
			return &HandlerResult{Data: json.RawMessage(`{}`)}, nil
		},
	})
	f.propose(t, "m1", "t1", "create_entity", models.RawArgs(map[string]string{"name": "Mira"}))

	if err := f.runtime.AcceptTool("m1"); err != nil {
		t.Fatal(err)
	}
	f.waitStatus(t, "m1", models.ToolExecuted)
	waitFor(t, "guard release", func() bool { return !f.runtime.Executing("m1") })

	var statusErr *InvalidStatusError
	if err := f.runtime.RetryTool("m1"); !errors.As(err, &statusErr) {
		t.Errorf("RetryTool() on executed error = %v, want InvalidStatusError", err)
	}
}

func TestRuntime_CloseCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	handler := &fakeHandler{
		name: "generate_content",
		execute: func(ctx context.Context, _ json.RawMessage) (*HandlerResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	f := newRuntimeFixture(t, handler)
	f.propose(t, "m1", "t1", "generate_content", models.RawArgs(map[string]string{"name": "draft"}))

	if err := f.runtime.AcceptTool("m1"); err != nil {
		t.Fatal(err)
	}
	<-started

	f.runtime.Close()

	if status, _ := f.store.ToolStatus("m1"); status != models.ToolCanceled {
		t.Errorf("status = %v after Close, want canceled", status)
	}
	if err := f.runtime.AcceptTool("m1"); !errors.Is(err, ErrClosed) {
		t.Errorf("AcceptTool() after Close error = %v, want ErrClosed", err)
	}
}

func TestRuntime_HandlerObservesCancellation(t *testing.T) {
	started := make(chan struct{})
	handler := &fakeHandler{
		name: "generate_content",
		execute: func(ctx context.Context, _ json.RawMessage) (*HandlerResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	f := newRuntimeFixture(t, handler)
	f.propose(t, "m1", "t1", "generate_content", models.RawArgs(map[string]string{"name": "draft"}))

	if err := f.runtime.AcceptTool("m1"); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := f.runtime.CancelTool("m1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "guard release", func() bool { return !f.runtime.Executing("m1") })
	if status, _ := f.store.ToolStatus("m1"); status != models.ToolCanceled {
		t.Errorf("status = %v, want canceled", status)
	}
}

func TestHandlerRegistry_Validate(t *testing.T) {
	registry := NewHandlerRegistry()
	err := registry.Register(&fakeHandler{
		name:    "create_entity",
		execute: func(context.Context, json.RawMessage) (*HandlerResult, error) { return nil, nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		tool    string
		args    string
		wantErr bool
	}{
		{"valid", "create_entity", `{"name":"Mira"}`, false},
		{"missing required", "create_entity", `{}`, true},
		{"wrong type", "create_entity", `{"name":42}`, true},
		{"extra field", "create_entity", `{"name":"Mira","x":1}`, true},
		{"malformed json", "create_entity", `{name`, true},
		{"unknown tool", "nope", `{"name":"Mira"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.Validate(tt.tool, json.RawMessage(tt.args))
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var valErr *ValidationError
				if !errors.As(err, &valErr) {
					t.Errorf("error = %T, want *ValidationError", err)
				}
			}
		})
	}
}
