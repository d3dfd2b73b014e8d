package chat

import (
	"context"
	"sync"
)

// Handle is a cancellation handle scoped to exactly one operation: a
// conversation stream or a single tool execution. Handles are discarded
// once the operation they guard reaches a terminal state, never reused.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Context returns the context cancelled when the handle is signalled.
// Effect handlers and the stream decoder receive this explicitly; they
// never read cancellation state from anywhere else.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Signal cancels the handle's context. Idempotent.
func (h *Handle) Signal() {
	h.cancel()
}

// Aborted reports whether the handle has been signalled (or its parent
// context ended).
func (h *Handle) Aborted() bool {
	return h.ctx.Err() != nil
}

// AbortRegistry maps an in-flight operation's key to its cancellation
// handle. Its lifecycle is tied to the operations, not to any UI
// surface.
//
// Invariant: at most one live handle per key. Registering a new handle
// under an existing key signals and discards the previous one first
// (last-write-wins).
type AbortRegistry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewAbortRegistry creates an empty registry.
func NewAbortRegistry() *AbortRegistry {
	return &AbortRegistry{
		handles: make(map[string]*Handle),
	}
}

// Register allocates a fresh handle for key, derived from parent. Any
// previous handle under the same key is signalled and discarded before
// the new one becomes live.
func (r *AbortRegistry) Register(parent context.Context, key string) *Handle {
	ctx, cancel := context.WithCancel(parent)
	handle := &Handle{ctx: ctx, cancel: cancel}

	r.mu.Lock()
	prev := r.handles[key]
	r.handles[key] = handle
	r.mu.Unlock()

	if prev != nil {
		prev.Signal()
	}
	return handle
}

// Cancel signals the handle under key, if any, and removes it. Returns
// whether a live handle was found.
func (r *AbortRegistry) Cancel(key string) bool {
	r.mu.Lock()
	handle := r.handles[key]
	delete(r.handles, key)
	r.mu.Unlock()

	if handle == nil {
		return false
	}
	handle.Signal()
	return true
}

// Release removes the handle under key if it is still the given one. A
// finished operation calls this so it never discards a newer handle
// registered under the same key while it was winding down. The handle's
// context is cancelled either way to free its resources.
func (r *AbortRegistry) Release(key string, handle *Handle) {
	r.mu.Lock()
	if r.handles[key] == handle {
		delete(r.handles, key)
	}
	r.mu.Unlock()
	handle.cancel()
}

// Get returns the live handle under key, if any.
func (r *AbortRegistry) Get(key string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.handles[key]
	return handle, ok
}

// CancelAll signals every live handle and empties the registry. Called
// on conversation switch and session teardown so no orphaned work keeps
// mutating a discarded message store.
func (r *AbortRegistry) CancelAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.Signal()
	}
}

// Len returns the number of live handles.
func (r *AbortRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
