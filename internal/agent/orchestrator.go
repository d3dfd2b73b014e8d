// Package agent contains the conversational orchestrator and the tool
// runtime: the turn lifecycle that folds a streamed agent response into
// the message store, and the approval/cancel/retry state machine for the
// tool calls that response proposes.
package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fablecraft/fablecraft/internal/chat"
	"github.com/fablecraft/fablecraft/internal/observability"
	"github.com/fablecraft/fablecraft/internal/stream"
	"github.com/fablecraft/fablecraft/pkg/models"
)

// streamAbortKey is the abort registry key for the conversation's one
// active turn stream. At most one turn streams at a time; registering a
// new turn signals the previous handle.
const streamAbortKey = "stream"

// fallbackContent replaces an empty placeholder when a turn fails before
// any delta arrived.
const fallbackContent = "I wasn't able to finish that reply."

// SendInput is the payload for one user turn.
type SendInput struct {
	Content       string
	Mentions      []models.Mention
	Attachments   []models.Attachment
	EditorContext string
	Mode          string
}

// Orchestrator drives conversational turns: it sends the user's message
// to the stream source, folds the event sequence into the message store
// in order, and maintains the per-conversation reactive state (streaming
// flag, last error, last retrieval context).
//
// One orchestrator serves one open conversation at a time;
// NewConversation switches it.
type Orchestrator struct {
	source  stream.Source
	store   *chat.MessageStore
	aborts  *chat.AbortRegistry
	runtime *Runtime
	persist Persister
	log     *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu           sync.Mutex
	conversation models.Conversation
	projectID    string
	streaming    bool
	lastErr      string
	lastContext  *models.ContextSnapshot
	currentTurn  string
}

// OrchestratorOptions configures an Orchestrator. Source, Store, Aborts,
// and Runtime are required.
type OrchestratorOptions struct {
	Source    stream.Source
	Store     *chat.MessageStore
	Aborts    *chat.AbortRegistry
	Runtime   *Runtime
	Persist   Persister
	ProjectID string
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

// NewOrchestrator creates an orchestrator with a fresh conversation.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewTestMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		source:  opts.Source,
		store:   opts.Store,
		aborts:  opts.Aborts,
		runtime: opts.Runtime,
		persist: opts.Persist,
		log:     opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		baseCtx: baseCtx,
		stop:    stop,
		conversation: models.Conversation{
			ID:        uuid.NewString(),
			ProjectID: opts.ProjectID,
			IsNew:     true,
			CreatedAt: time.Now().UTC(),
		},
		projectID: opts.ProjectID,
	}
}

// Runtime returns the tool runtime serving this orchestrator's
// conversation.
func (o *Orchestrator) Runtime() *Runtime {
	return o.runtime
}

// SendMessage starts one turn: it appends the finalized user message and
// a streaming assistant placeholder, opens the stream, and folds events
// until the stream terminates. Any previous turn still streaming is
// aborted first.
//
// SendMessage returns once the turn is running; the fold happens in the
// background and is observed through Messages, IsStreaming, and Err.
func (o *Orchestrator) SendMessage(in SendInput) error {
	if strings.TrimSpace(in.Content) == "" {
		return ErrEmptyMessage
	}

	placeholderID := uuid.NewString()

	o.mu.Lock()
	conv := o.conversation
	o.conversation.IsNew = false
	o.conversation.UpdatedAt = time.Now().UTC()
	o.streaming = true
	o.lastErr = ""
	o.currentTurn = placeholderID
	o.mu.Unlock()

	handle := o.aborts.Register(o.baseCtx, streamAbortKey)

	userMsg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        in.Content,
		Mentions:       in.Mentions,
		Attachments:    in.Attachments,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.store.Append(userMsg); err != nil {
		o.aborts.Release(streamAbortKey, handle)
		o.setStreaming(false)
		return err
	}

	placeholder := &models.Message{
		ID:             placeholderID,
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		IsStreaming:    true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.store.Append(placeholder); err != nil {
		o.aborts.Release(streamAbortKey, handle)
		o.setStreaming(false)
		return err
	}

	o.persistAsync(userMsg)
	o.persistConversation()

	req := &stream.TurnRequest{
		ConversationID: conv.ID,
		ProjectID:      o.projectID,
		Messages:       o.store.Messages(),
		Mentions:       in.Mentions,
		EditorContext:  in.EditorContext,
		Mode:           in.Mode,
	}

	o.wg.Add(1)
	go o.runTurn(handle, req, placeholder.ID)
	return nil
}

// runTurn folds the event sequence for one turn. Events apply strictly
// in arrival order; tool failures never abort the stream.
func (o *Orchestrator) runTurn(handle *chat.Handle, req *stream.TurnRequest, placeholderID string) {
	defer o.wg.Done()
	defer o.aborts.Release(streamAbortKey, handle)

	ctx := observability.AddConversationID(o.baseCtx, req.ConversationID)
	ctx = observability.AddProjectID(ctx, req.ProjectID)
	ctx, span := o.tracer.Start(ctx, "agent.turn",
		attribute.String("conversation.id", req.ConversationID),
	)
	defer span.End()

	events, err := o.source.Stream(handle.Context(), req)
	if err != nil {
		o.tracer.RecordError(span, err)
		o.finishTurn(ctx, placeholderID, err, handle.Aborted())
		return
	}

	var streamErr error
	for ev := range events {
		o.metrics.StreamEventCounter.WithLabelValues(string(ev.Type)).Inc()

		switch ev.Type {
		case stream.EventContext:
			o.mu.Lock()
			o.lastContext = ev.Context
			o.mu.Unlock()

		case stream.EventDelta:
			if err := o.store.AppendContent(placeholderID, ev.Text); err != nil {
				o.log.Warn(ctx, "dropped text delta", "error", err)
			}

		case stream.EventTool:
			o.applyToolProposal(ctx, req.ConversationID, ev)

		case stream.EventProgress:
			o.applyProgress(ctx, ev)

		case stream.EventDone:
			// Terminal; the channel closes right after.

		case stream.EventError:
			streamErr = ev.Err
		}
	}

	if streamErr != nil {
		o.tracer.RecordError(span, streamErr)
	}
	o.finishTurn(ctx, placeholderID, streamErr, handle.Aborted())
}

// applyToolProposal inserts a proposed tool message. A duplicate
// proposal for a tool call ID already in the log is dropped: a replayed
// stream must not clobber state the user already acted on.
func (o *Orchestrator) applyToolProposal(ctx context.Context, conversationID string, ev stream.Event) {
	if o.store.HasToolCall(ev.ToolCallID) {
		o.log.Warn(ctx, "duplicate tool proposal ignored", "tool_call_id", ev.ToolCallID, "tool_name", ev.ToolName)
		return
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Tool: &models.ToolInvocation{
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.ToolName,
			Args:       ev.Args,
			Status:     models.ToolProposed,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.Append(msg); err != nil {
		o.log.Warn(ctx, "dropped tool proposal", "tool_call_id", ev.ToolCallID, "error", err)
	}
}

// applyProgress routes a progress event to its invocation by tool call
// ID. Progress on an invocation already terminal is dropped.
func (o *Orchestrator) applyProgress(ctx context.Context, ev stream.Event) {
	err := o.store.PatchToolByCallID(ev.ToolCallID, func(inv *models.ToolInvocation) error {
		if inv.Status.Terminal() {
			return nil
		}
		inv.Progress = ev.Progress
		return nil
	})
	if err != nil {
		o.log.Warn(ctx, "dropped progress event", "tool_call_id", ev.ToolCallID, "error", err)
	}
}

// finishTurn finalizes the placeholder. A user-initiated stop is not an
// error: the partial content stands and no error string is surfaced.
func (o *Orchestrator) finishTurn(ctx context.Context, placeholderID string, streamErr error, stopped bool) {
	outcome := "done"
	userErr := ""

	if streamErr != nil && !stopped {
		outcome = "error"
		userErr = userFacingStreamError(streamErr)
		msg, ok := o.store.Get(placeholderID)
		if ok && msg.Content == "" {
			if err := o.store.SetContent(placeholderID, fallbackContent); err != nil {
				o.log.Warn(ctx, "install fallback content failed", "error", err)
			}
		}
		o.log.Error(ctx, "turn failed", "error", streamErr)
	} else if stopped {
		outcome = "stopped"
		o.log.Info(ctx, "turn stopped by user")
	}

	if err := o.store.Finalize(placeholderID); err != nil {
		o.log.Warn(ctx, "finalize placeholder failed", "error", err)
	}

	// A preempted turn finalizes its own placeholder but must not touch
	// the streaming flag or error, which belong to the turn that
	// replaced it.
	o.mu.Lock()
	if o.currentTurn == placeholderID {
		o.streaming = false
		o.lastErr = userErr
	}
	o.mu.Unlock()

	o.metrics.TurnCounter.WithLabelValues(outcome).Inc()

	if msg, ok := o.store.Get(placeholderID); ok {
		o.persistAsync(msg)
	}
}

// StopStreaming signals the active turn's handle. Tool executions keep
// their own handles and are unaffected.
func (o *Orchestrator) StopStreaming() {
	o.aborts.Cancel(streamAbortKey)
}

// NewConversation aborts everything in flight, clears the message store,
// and switches to a fresh conversation. The conversation ID changes even
// if no message was ever sent.
func (o *Orchestrator) NewConversation() models.Conversation {
	o.aborts.CancelAll()
	o.runtime.Reset()
	o.store.Reset()

	o.mu.Lock()
	o.conversation = models.Conversation{
		ID:        uuid.NewString(),
		ProjectID: o.projectID,
		IsNew:     true,
		CreatedAt: time.Now().UTC(),
	}
	o.streaming = false
	o.lastErr = ""
	o.lastContext = nil
	o.currentTurn = ""
	conv := o.conversation
	o.mu.Unlock()

	o.log.Info(o.baseCtx, "conversation switched", "conversation_id", conv.ID)
	return conv
}

// Messages returns a cloned snapshot of the open conversation's log.
func (o *Orchestrator) Messages() []*models.Message {
	return o.store.Messages()
}

// Conversation returns the open conversation's metadata.
func (o *Orchestrator) Conversation() models.Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conversation
}

// IsStreaming reports whether a turn is currently streaming.
func (o *Orchestrator) IsStreaming() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streaming
}

// Err returns the user-facing error of the last turn, empty when the
// last turn succeeded or was stopped.
func (o *Orchestrator) Err() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// ContextSnapshot returns the retrieval context reported by the most
// recent turn, or nil.
func (o *Orchestrator) ContextSnapshot() *models.ContextSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastContext == nil {
		return nil
	}
	snapshot := *o.lastContext
	return &snapshot
}

// Close aborts all in-flight work and waits for the turn goroutine.
func (o *Orchestrator) Close() {
	o.stop()
	o.aborts.CancelAll()
	o.wg.Wait()
}

func (o *Orchestrator) setStreaming(v bool) {
	o.mu.Lock()
	o.streaming = v
	o.mu.Unlock()
}

func (o *Orchestrator) persistAsync(msg *models.Message) {
	if o.persist == nil {
		return
	}
	if err := o.persist.SaveMessage(context.WithoutCancel(o.baseCtx), msg); err != nil {
		o.log.Error(o.baseCtx, "persist message failed", "message_id", msg.ID, "error", err)
	}
}

func (o *Orchestrator) persistConversation() {
	if o.persist == nil {
		return
	}
	conv := o.Conversation()
	if err := o.persist.SaveConversation(context.WithoutCancel(o.baseCtx), &conv); err != nil {
		o.log.Error(o.baseCtx, "persist conversation failed", "conversation_id", conv.ID, "error", err)
	}
}
