package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/fablecraft/fablecraft/internal/chat"
	"github.com/fablecraft/fablecraft/internal/stream"
	"github.com/fablecraft/fablecraft/pkg/models"
)

type sourceFunc func(ctx context.Context, req *stream.TurnRequest) (<-chan stream.Event, error)

func (f sourceFunc) Stream(ctx context.Context, req *stream.TurnRequest) (<-chan stream.Event, error) {
	return f(ctx, req)
}

// scriptedSource replays a fixed event sequence, honoring cancellation.
func scriptedSource(events ...stream.Event) stream.Source {
	return sourceFunc(func(ctx context.Context, _ *stream.TurnRequest) (<-chan stream.Event, error) {
		out := make(chan stream.Event)
		go func() {
			defer close(out)
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	})
}

type orchestratorFixture struct {
	store        *chat.MessageStore
	aborts       *chat.AbortRegistry
	orchestrator *Orchestrator
}

func newOrchestratorFixture(t *testing.T, source stream.Source, handlers ...Handler) *orchestratorFixture {
	t.Helper()

	registry := NewHandlerRegistry()
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			t.Fatal(err)
		}
	}

	store := chat.NewMessageStore()
	aborts := chat.NewAbortRegistry()
	runtime := NewRuntime(RuntimeOptions{
		Store:    store,
		Aborts:   aborts,
		Handlers: registry,
	})
	orchestrator := NewOrchestrator(OrchestratorOptions{
		Source:  source,
		Store:   store,
		Aborts:  aborts,
		Runtime: runtime,
	})
	t.Cleanup(func() {
		orchestrator.Close()
		runtime.Close()
	})

	return &orchestratorFixture{store: store, aborts: aborts, orchestrator: orchestrator}
}

func (f *orchestratorFixture) waitTurnDone(t *testing.T) {
	t.Helper()
	waitFor(t, "turn to finish", func() bool { return !f.orchestrator.IsStreaming() })
}

func TestOrchestrator_RejectsEmptyMessage(t *testing.T) {
	f := newOrchestratorFixture(t, scriptedSource(stream.Done()))

	for _, content := range []string{"", "   ", "\n\t"} {
		if err := f.orchestrator.SendMessage(SendInput{Content: content}); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("SendMessage(%q) error = %v, want ErrEmptyMessage", content, err)
		}
	}
	if f.store.Len() != 0 {
		t.Errorf("store has %d messages after rejected sends", f.store.Len())
	}
}

// Covers the full create_entity flow: streamed reply with an interleaved
// proposal, user approval, execution, and the recorded result.
func TestOrchestrator_CreateEntityFlow(t *testing.T) {
	source := scriptedSource(
		stream.Retrieved(&models.ContextSnapshot{
			Documents: []models.ContextRef{{ID: "d1", Name: "Chapter 1"}},
		}),
		stream.Delta("I'll add Mira to your story. "),
		stream.ToolProposal("t1", "create_entity", models.RawArgs(map[string]string{"name": "Mira"})),
		stream.Delta("Let me know if you want her backstory too."),
		stream.Done(),
	)
	handler := &fakeHandler{
		name: "create_entity",
		execute: func(_ context.Context, args json.RawMessage) (*HandlerResult, error) {
			var in struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return &HandlerResult{
				Data:    models.RawArgs(map[string]string{"id": "e1", "name": in.Name}),
				Summary: "created " + in.Name,
			}, nil
		},
	}
	f := newOrchestratorFixture(t, source, handler)

	if err := f.orchestrator.SendMessage(SendInput{Content: "Add a character named Mira"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	f.waitTurnDone(t)

	msgs := f.orchestrator.Messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (user, assistant, tool)", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "Add a character named Mira" {
		t.Errorf("user message = %+v", msgs[0])
	}
	assistant := msgs[1]
	if assistant.IsStreaming {
		t.Error("assistant message still streaming after done")
	}
	want := "I'll add Mira to your story. Let me know if you want her backstory too."
	if assistant.Content != want {
		t.Errorf("assistant content = %q, want %q", assistant.Content, want)
	}

	toolMsg := msgs[2]
	if toolMsg.Tool == nil || toolMsg.Tool.Status != models.ToolProposed {
		t.Fatalf("tool message = %+v, want proposed invocation", toolMsg)
	}
	if f.orchestrator.Err() != "" {
		t.Errorf("Err() = %q, want empty", f.orchestrator.Err())
	}
	snapshot := f.orchestrator.ContextSnapshot()
	if snapshot == nil || len(snapshot.Documents) != 1 {
		t.Errorf("context snapshot = %+v", snapshot)
	}

	// User approves; the call executes and records its result.
	if err := f.orchestrator.Runtime().AcceptTool(toolMsg.ID); err != nil {
		t.Fatalf("AcceptTool() error = %v", err)
	}
	waitFor(t, "tool executed", func() bool {
		status, err := f.store.ToolStatus(toolMsg.ID)
		return err == nil && status == models.ToolExecuted
	})
	final, _ := f.store.Get(toolMsg.ID)
	if !strings.Contains(string(final.Tool.Result), `"id":"e1"`) {
		t.Errorf("tool result = %s", final.Tool.Result)
	}
}

func TestOrchestrator_StreamErrorInstallsFallback(t *testing.T) {
	source := scriptedSource(stream.Failed(errors.New("model overloaded")))
	f := newOrchestratorFixture(t, source)

	if err := f.orchestrator.SendMessage(SendInput{Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	f.waitTurnDone(t)

	msgs := f.orchestrator.Messages()
	assistant := msgs[len(msgs)-1]
	if assistant.Content != fallbackContent {
		t.Errorf("placeholder content = %q, want fallback", assistant.Content)
	}
	if assistant.IsStreaming {
		t.Error("placeholder not finalized after stream error")
	}
	if f.orchestrator.Err() == "" {
		t.Error("Err() empty after stream error")
	}
}

func TestOrchestrator_StreamErrorKeepsPartialContent(t *testing.T) {
	source := scriptedSource(
		stream.Delta("The story begins"),
		stream.Failed(errors.New("connection lost")),
	)
	f := newOrchestratorFixture(t, source)

	if err := f.orchestrator.SendMessage(SendInput{Content: "write"}); err != nil {
		t.Fatal(err)
	}
	f.waitTurnDone(t)

	msgs := f.orchestrator.Messages()
	assistant := msgs[len(msgs)-1]
	if assistant.Content != "The story begins" {
		t.Errorf("content = %q, partial deltas must survive a stream error", assistant.Content)
	}
}

func TestOrchestrator_StopMidDelta(t *testing.T) {
	delivered := make(chan struct{})
	source := sourceFunc(func(ctx context.Context, _ *stream.TurnRequest) (<-chan stream.Event, error) {
		out := make(chan stream.Event)
		go func() {
			defer close(out)
			select {
			case out <- stream.Delta("Once upon a time"):
			case <-ctx.Done():
				return
			}
			close(delivered)
			// Block until the stop signal lands, then end without done.
			<-ctx.Done()
		}()
		return out, nil
	})
	f := newOrchestratorFixture(t, source)

	if err := f.orchestrator.SendMessage(SendInput{Content: "write a story"}); err != nil {
		t.Fatal(err)
	}
	<-delivered
	waitFor(t, "delta applied", func() bool {
		msgs := f.store.Messages()
		return len(msgs) == 2 && msgs[1].Content != ""
	})

	f.orchestrator.StopStreaming()
	f.waitTurnDone(t)

	msgs := f.orchestrator.Messages()
	assistant := msgs[1]
	if assistant.Content != "Once upon a time" {
		t.Errorf("content = %q, want partial content preserved", assistant.Content)
	}
	if assistant.IsStreaming {
		t.Error("placeholder not finalized after stop")
	}
	if f.orchestrator.Err() != "" {
		t.Errorf("Err() = %q, user stop is not an error", f.orchestrator.Err())
	}
}

func TestOrchestrator_DuplicateToolProposalIgnored(t *testing.T) {
	source := scriptedSource(
		stream.ToolProposal("t1", "create_entity", models.RawArgs(map[string]string{"name": "Mira"})),
		stream.ToolProposal("t1", "create_entity", models.RawArgs(map[string]string{"name": "Imposter"})),
		stream.Done(),
	)
	f := newOrchestratorFixture(t, source)

	if err := f.orchestrator.SendMessage(SendInput{Content: "add mira"}); err != nil {
		t.Fatal(err)
	}
	f.waitTurnDone(t)

	var toolMsgs []*models.Message
	for _, msg := range f.orchestrator.Messages() {
		if msg.Tool != nil {
			toolMsgs = append(toolMsgs, msg)
		}
	}
	if len(toolMsgs) != 1 {
		t.Fatalf("got %d tool messages, want 1", len(toolMsgs))
	}
	if !strings.Contains(string(toolMsgs[0].Tool.Args), "Mira") {
		t.Errorf("first proposal's args were overwritten: %s", toolMsgs[0].Tool.Args)
	}
}

func TestOrchestrator_ProgressRoutesByCallID(t *testing.T) {
	source := scriptedSource(
		stream.ToolProposal("t1", "create_entity", models.RawArgs(map[string]string{"name": "Mira"})),
		stream.ToolProgress("t1", "drafting", 40),
		stream.Done(),
	)
	f := newOrchestratorFixture(t, source)

	if err := f.orchestrator.SendMessage(SendInput{Content: "add mira"}); err != nil {
		t.Fatal(err)
	}
	f.waitTurnDone(t)

	id, ok := f.store.MessageIDForToolCall("t1")
	if !ok {
		t.Fatal("tool call not indexed")
	}
	msg, _ := f.store.Get(id)
	if msg.Tool.Progress == nil || msg.Tool.Progress.Percent != 40 || msg.Tool.Progress.Stage != "drafting" {
		t.Errorf("progress = %+v", msg.Tool.Progress)
	}
}

func TestOrchestrator_NewConversationResetsEverything(t *testing.T) {
	source := sourceFunc(func(ctx context.Context, _ *stream.TurnRequest) (<-chan stream.Event, error) {
		out := make(chan stream.Event)
		go func() {
			defer close(out)
			select {
			case out <- stream.Delta("thinking"):
			case <-ctx.Done():
				return
			}
			<-ctx.Done()
		}()
		return out, nil
	})
	f := newOrchestratorFixture(t, source)

	before := f.orchestrator.Conversation()
	if err := f.orchestrator.SendMessage(SendInput{Content: "start"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "stream running", func() bool { return f.store.Len() == 2 })

	after := f.orchestrator.NewConversation()

	if after.ID == before.ID {
		t.Error("conversation ID unchanged after NewConversation")
	}
	if !after.IsNew {
		t.Error("new conversation not marked IsNew")
	}
	if f.store.Len() != 0 {
		t.Errorf("store has %d messages after reset", f.store.Len())
	}
	if f.orchestrator.IsStreaming() {
		t.Error("still streaming after reset")
	}
	if f.orchestrator.ContextSnapshot() != nil {
		t.Error("context snapshot survived reset")
	}
	if f.aborts.Len() != 0 {
		t.Errorf("abort registry has %d handles after reset", f.aborts.Len())
	}
}

func TestOrchestrator_SendCancelsPriorStream(t *testing.T) {
	turns := 0
	source := sourceFunc(func(ctx context.Context, _ *stream.TurnRequest) (<-chan stream.Event, error) {
		turns++
		turn := turns
		out := make(chan stream.Event)
		go func() {
			defer close(out)
			if turn == 1 {
				select {
				case out <- stream.Delta("first turn"):
				case <-ctx.Done():
					return
				}
				<-ctx.Done() // first turn never completes on its own
				return
			}
			select {
			case out <- stream.Delta("second turn"):
			case <-ctx.Done():
				return
			}
			select {
			case out <- stream.Done():
			case <-ctx.Done():
			}
		}()
		return out, nil
	})
	f := newOrchestratorFixture(t, source)

	if err := f.orchestrator.SendMessage(SendInput{Content: "one"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first turn streaming", func() bool {
		msgs := f.store.Messages()
		return len(msgs) == 2 && msgs[1].Content == "first turn"
	})

	if err := f.orchestrator.SendMessage(SendInput{Content: "two"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both turns finalized", func() bool {
		msgs := f.store.Messages()
		if len(msgs) != 4 {
			return false
		}
		for _, msg := range msgs {
			if msg.IsStreaming {
				return false
			}
		}
		return msgs[3].Content == "second turn"
	})

	msgs := f.orchestrator.Messages()
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4 (two user/assistant pairs)", len(msgs))
	}
	if msgs[1].Content != "first turn" {
		t.Errorf("preempted assistant content = %q, want partial content preserved", msgs[1].Content)
	}
	if msgs[3].Content != "second turn" {
		t.Errorf("second assistant content = %q", msgs[3].Content)
	}
	if f.orchestrator.Err() != "" {
		t.Errorf("Err() = %q, preempted turn must not surface an error", f.orchestrator.Err())
	}
}

// A preempted turn finalizes after the turn that replaced it has
// already started. Its cleanup must not clear the streaming flag or
// overwrite the error slot, which belong to the live turn.
func TestOrchestrator_PreemptedTurnKeepsNewTurnStreaming(t *testing.T) {
	gate := make(chan struct{})    // holds the first turn's stream open
	opened := make(chan struct{})  // first turn's stream has started
	release := make(chan struct{}) // holds the second turn's done back
	source := sourceFunc(func(ctx context.Context, req *stream.TurnRequest) (<-chan stream.Event, error) {
		var userText string
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == models.RoleUser {
				userText = req.Messages[i].Content
				break
			}
		}
		out := make(chan stream.Event)
		go func() {
			defer close(out)
			if userText == "one" {
				// Outlive the cancellation so finalization lands
				// while the second turn is streaming.
				close(opened)
				<-gate
				return
			}
			select {
			case out <- stream.Delta("second turn"):
			case <-ctx.Done():
				return
			}
			select {
			case <-release:
			case <-ctx.Done():
				return
			}
			select {
			case out <- stream.Done():
			case <-ctx.Done():
			}
		}()
		return out, nil
	})
	f := newOrchestratorFixture(t, source)

	if err := f.orchestrator.SendMessage(SendInput{Content: "one"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first turn stream open", func() bool {
		select {
		case <-opened:
			return true
		default:
			return false
		}
	})
	if err := f.orchestrator.SendMessage(SendInput{Content: "two"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second turn streaming", func() bool {
		msgs := f.store.Messages()
		return len(msgs) == 4 && msgs[3].Content == "second turn"
	})

	// Let the preempted turn end and finalize while turn two is live.
	close(gate)
	waitFor(t, "preempted placeholder finalized", func() bool {
		msgs := f.store.Messages()
		return !msgs[1].IsStreaming
	})

	if !f.orchestrator.IsStreaming() {
		t.Error("IsStreaming() = false while the second turn is still live")
	}
	if f.orchestrator.Err() != "" {
		t.Errorf("Err() = %q while the second turn is still live", f.orchestrator.Err())
	}

	close(release)
	f.waitTurnDone(t)
	if f.orchestrator.Err() != "" {
		t.Errorf("Err() = %q after a successful turn", f.orchestrator.Err())
	}
}
