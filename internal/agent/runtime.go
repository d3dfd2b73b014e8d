package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fablecraft/fablecraft/internal/chat"
	"github.com/fablecraft/fablecraft/internal/observability"
	"github.com/fablecraft/fablecraft/pkg/models"
)

// Persister receives finalized messages and conversations for durable
// storage. Calls are fire-and-forget from the runtime's point of view:
// failures are logged, never surfaced to the user.
type Persister interface {
	SaveConversation(ctx context.Context, conv *models.Conversation) error
	SaveMessage(ctx context.Context, msg *models.Message) error
}

// Runtime drives tool invocations through their state machine. Status
// lives on the invocation inside the message store; the runtime owns the
// transitions, the single-flight guard per message, and the abort handle
// per execution.
//
// The guard set records "an execution attempt is in flight", which is
// distinct from the executing status: transitions happen under the store
// lock but handler execution runs outside it.
type Runtime struct {
	store    *chat.MessageStore
	aborts   *chat.AbortRegistry
	handlers *HandlerRegistry
	persist  Persister
	log      *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
	guards map[string]struct{} // message IDs with an attempt in flight
}

// RuntimeOptions configures a Runtime. Store, Aborts, and Handlers are
// required; the rest default to no-ops.
type RuntimeOptions struct {
	Store    *chat.MessageStore
	Aborts   *chat.AbortRegistry
	Handlers *HandlerRegistry
	Persist  Persister
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
}

// NewRuntime creates a tool runtime. Close must be called on teardown.
func NewRuntime(opts RuntimeOptions) *Runtime {
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
	return &Runtime{
		store:    opts.Store,
		aborts:   opts.Aborts,
		handlers: opts.Handlers,
		persist:  opts.Persist,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		baseCtx:  baseCtx,
		stop:     stop,
		guards:   make(map[string]struct{}),
	}
}

func toolAbortKey(toolCallID string) string {
	return "tool:" + toolCallID
}

// AcceptTool moves a proposed invocation to accepted and starts its
// execution. Returns ErrAlreadyExecuting while an attempt for the same
// message is in flight, and InvalidStatusError when the invocation is
// not in proposed status.
func (r *Runtime) AcceptTool(messageID string) error {
	return r.start(messageID, "accept", func(inv *models.ToolInvocation) error {
		if inv.Status != models.ToolProposed {
			return &InvalidStatusError{Op: "accept", Status: inv.Status}
		}
		inv.Status = models.ToolAccepted
		return nil
	})
}

// RejectTool declines a proposed invocation. Pure status patch; nothing
// runs and nothing is registered.
func (r *Runtime) RejectTool(messageID string) error {
	err := r.store.PatchTool(messageID, func(inv *models.ToolInvocation) error {
		if inv.Status != models.ToolProposed {
			return &InvalidStatusError{Op: "reject", Status: inv.Status}
		}
		inv.Status = models.ToolRejected
		return nil
	})
	if err != nil {
		return err
	}
	r.persistMessage(messageID)
	return nil
}

// CancelTool requests cooperative cancellation of an executing
// invocation: it signals the execution's abort handle and sets canceled.
// Canceled is final for the attempt; a handler that returns success
// afterward is ignored.
func (r *Runtime) CancelTool(messageID string) error {
	msg, ok := r.store.Get(messageID)
	if !ok {
		return chat.ErrMessageNotFound
	}
	if msg.Tool == nil {
		return chat.ErrNoTool
	}
	if msg.Tool.Status != models.ToolExecuting {
		return &InvalidStatusError{Op: "cancel", Status: msg.Tool.Status}
	}

	r.aborts.Cancel(toolAbortKey(msg.Tool.ToolCallID))

	err := r.store.PatchTool(messageID, func(inv *models.ToolInvocation) error {
		if inv.Status != models.ToolExecuting {
			// The execution finished between our read and this patch.
			return &InvalidStatusError{Op: "cancel", Status: inv.Status}
		}
		inv.Status = models.ToolCanceled
		inv.Progress = nil
		return nil
	})
	if err != nil {
		return err
	}
	r.persistMessage(messageID)
	return nil
}

// RetryTool re-enters the accept path from failed or canceled: clears
// the previous attempt's error and result, increments the retry count,
// and executes again under the same single-flight guard.
func (r *Runtime) RetryTool(messageID string) error {
	return r.start(messageID, "retry", func(inv *models.ToolInvocation) error {
		if !inv.Status.Retryable() {
			return &InvalidStatusError{Op: "retry", Status: inv.Status}
		}
		inv.Status = models.ToolAccepted
		inv.Error = ""
		inv.Result = nil
		inv.Artifacts = nil
		inv.Progress = nil
		inv.RetryCount++
		return nil
	})
}

// start is the shared accept/retry path: acquire the guard, apply the
// entry transition, then validate and execute. The guard is released on
// every exit, including the synchronous failure paths.
func (r *Runtime) start(messageID, op string, transition func(*models.ToolInvocation) error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, inFlight := r.guards[messageID]; inFlight {
		r.mu.Unlock()
		return ErrAlreadyExecuting
	}
	r.guards[messageID] = struct{}{}
	r.mu.Unlock()

	if err := r.store.PatchTool(messageID, transition); err != nil {
		r.releaseGuard(messageID)
		return err
	}

	msg, ok := r.store.Get(messageID)
	if !ok || msg.Tool == nil {
		r.releaseGuard(messageID)
		return chat.ErrMessageNotFound
	}
	inv := msg.Tool

	ctx := observability.AddToolCallID(r.baseCtx, inv.ToolCallID)
	ctx = observability.AddConversationID(ctx, msg.ConversationID)

	// Validation failure is terminal without side effects: no abort
	// handle is registered and the handler is never called.
	if err := r.handlers.Validate(inv.ToolName, inv.Args); err != nil {
		r.log.Warn(ctx, "tool arguments rejected", "tool_name", inv.ToolName, "error", err)
		r.metrics.ToolExecutionCounter.WithLabelValues(inv.ToolName, "invalid").Inc()
		patchErr := r.store.PatchTool(messageID, func(inv *models.ToolInvocation) error {
			inv.Status = models.ToolFailed
			inv.Error = err.Error()
			return nil
		})
		r.releaseGuard(messageID)
		if patchErr != nil {
			return patchErr
		}
		r.persistMessage(messageID)
		return nil
	}

	handler, _ := r.handlers.Get(inv.ToolName)

	handle := r.aborts.Register(r.baseCtx, toolAbortKey(inv.ToolCallID))

	err := r.store.PatchTool(messageID, func(inv *models.ToolInvocation) error {
		inv.Status = models.ToolExecuting
		inv.StartedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		r.aborts.Release(toolAbortKey(inv.ToolCallID), handle)
		r.releaseGuard(messageID)
		return err
	}

	r.log.Info(ctx, "tool execution started", "tool_name", inv.ToolName, "op", op, "retry_count", inv.RetryCount)

	r.wg.Add(1)
	go r.execute(ctx, messageID, inv.ToolCallID, inv.ToolName, inv.Args, handler, handle)
	return nil
}

// execute runs the handler and records the terminal state. Terminal
// writes only happen while the invocation still reads executing, so a
// cancellation that already landed is never overwritten by a late result.
func (r *Runtime) execute(ctx context.Context, messageID, toolCallID, toolName string, args json.RawMessage, handler Handler, handle *chat.Handle) {
	defer r.wg.Done()
	defer r.releaseGuard(messageID)
	defer r.aborts.Release(toolAbortKey(toolCallID), handle)

	ctx, span := r.tracer.Start(ctx, "tool.execute",
		attribute.String("tool.name", toolName),
		attribute.String("tool.call_id", toolCallID),
	)
	defer span.End()

	started := time.Now()
	result, err := handler.Execute(handle.Context(), args)
	r.metrics.ToolExecutionDuration.WithLabelValues(toolName).Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		if result == nil {
			result = &HandlerResult{}
		}
		patched := false
		_ = r.store.PatchTool(messageID, func(inv *models.ToolInvocation) error {
			if inv.Status != models.ToolExecuting {
				return nil
			}
			inv.Status = models.ToolExecuted
			inv.Result = result.Data
			inv.Artifacts = result.Artifacts
			inv.Progress = nil
			patched = true
			return nil
		})
		if patched {
			r.metrics.ToolExecutionCounter.WithLabelValues(toolName, "executed").Inc()
			r.log.Info(ctx, "tool execution finished", "tool_name", toolName, "summary", result.Summary)
		} else {
			r.log.Info(ctx, "tool result discarded after cancellation", "tool_name", toolName)
		}

	case handle.Aborted() || errors.Is(err, context.Canceled):
		// Cooperative cancellation surfaced through the handler. CancelTool
		// usually set canceled already; this covers a handler that noticed
		// the signal before the cancel patch landed.
		_ = r.store.PatchTool(messageID, func(inv *models.ToolInvocation) error {
			if inv.Status != models.ToolExecuting {
				return nil
			}
			inv.Status = models.ToolCanceled
			inv.Progress = nil
			return nil
		})
		r.metrics.ToolExecutionCounter.WithLabelValues(toolName, "canceled").Inc()
		r.log.Info(ctx, "tool execution canceled", "tool_name", toolName)

	default:
		r.tracer.RecordError(span, err)
		_ = r.store.PatchTool(messageID, func(inv *models.ToolInvocation) error {
			if inv.Status != models.ToolExecuting {
				return nil
			}
			inv.Status = models.ToolFailed
			inv.Error = err.Error()
			inv.Progress = nil
			return nil
		})
		r.metrics.ToolExecutionCounter.WithLabelValues(toolName, "failed").Inc()
		r.log.Error(ctx, "tool execution failed", "tool_name", toolName, "error", err)
	}

	r.persistMessage(messageID)
}

func (r *Runtime) releaseGuard(messageID string) {
	r.mu.Lock()
	delete(r.guards, messageID)
	r.mu.Unlock()
}

// Executing reports whether an execution attempt is in flight for the
// message.
func (r *Runtime) Executing(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.guards[messageID]
	return ok
}

// Reset clears the guard set after the caller has aborted all in-flight
// work, as part of a conversation switch. Goroutines still winding down
// release their own entries harmlessly.
func (r *Runtime) Reset() {
	r.mu.Lock()
	r.guards = make(map[string]struct{})
	r.mu.Unlock()
}

// Close signals every live execution, rejects further operations, and
// waits for in-flight handlers to return.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.stop()
	r.wg.Wait()

	r.mu.Lock()
	r.guards = make(map[string]struct{})
	r.mu.Unlock()
}

func (r *Runtime) persistMessage(messageID string) {
	if r.persist == nil {
		return
	}
	msg, ok := r.store.Get(messageID)
	if !ok {
		return
	}
	if err := r.persist.SaveMessage(context.WithoutCancel(r.baseCtx), msg); err != nil {
		r.log.Error(r.baseCtx, "persist tool message failed", "message_id", messageID, "error", err)
	}
}
