// Package gateway exposes the engine over HTTP: a small JSON API for
// chat and tool actions, a WebSocket push channel for UI state, and the
// Prometheus metrics endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fablecraft/fablecraft/internal/agent"
	"github.com/fablecraft/fablecraft/internal/chat"
	"github.com/fablecraft/fablecraft/internal/observability"
	"github.com/fablecraft/fablecraft/pkg/models"
)

// Options configures a Server. Orchestrator and Store are required.
type Options struct {
	Orchestrator *agent.Orchestrator
	Store        *chat.MessageStore
	Auth         *TokenAuth
	Logger       *observability.Logger
	Metrics      *observability.Metrics

	// ReadHeaderTimeout guards against slow-header clients.
	ReadHeaderTimeout time.Duration
}

// Server is the HTTP front of the engine.
type Server struct {
	orch    *agent.Orchestrator
	store   *chat.MessageStore
	auth    *TokenAuth
	log     *observability.Logger
	metrics *observability.Metrics

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the server and its routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewTestMetrics()
	}
	if opts.Auth == nil {
		opts.Auth = NewTokenAuth("", 0)
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}

	s := &Server{
		orch:    opts.Orchestrator,
		store:   opts.Store,
		auth:    opts.Auth,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/chat/send", s.handleChatSend)
	api.HandleFunc("POST /api/chat/stop", s.handleChatStop)
	api.HandleFunc("POST /api/chat/new", s.handleChatNew)
	api.HandleFunc("GET /api/chat/messages", s.handleChatMessages)
	api.HandleFunc("GET /api/chat/context", s.handleChatContext)
	api.HandleFunc("POST /api/tools/accept", s.handleToolAction(func(r *agent.Runtime, id string) error { return r.AcceptTool(id) }))
	api.HandleFunc("POST /api/tools/reject", s.handleToolAction(func(r *agent.Runtime, id string) error { return r.RejectTool(id) }))
	api.HandleFunc("POST /api/tools/cancel", s.handleToolAction(func(r *agent.Runtime, id string) error { return r.CancelTool(id) }))
	api.HandleFunc("POST /api/tools/retry", s.handleToolAction(func(r *agent.Runtime, id string) error { return r.RetryTool(id) }))
	api.Handle("GET /ws", s.newWSHandler())

	mux.Handle("/api/", s.auth.Middleware(api))
	mux.Handle("/ws", s.auth.Middleware(api))
	return mux
}

// Handler exposes the route tree; used by tests and embedders.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(context.Background(), "http server error", "error", err)
		}
	}()
	s.log.Info(context.Background(), "http server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type chatSendRequest struct {
	Content       string              `json:"content"`
	Mentions      []models.Mention    `json:"mentions,omitempty"`
	Attachments   []models.Attachment `json:"attachments,omitempty"`
	EditorContext string              `json:"editor_context,omitempty"`
	Mode          string              `json:"mode,omitempty"`
}

type toolActionRequest struct {
	MessageID string `json:"message_id"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type chatStateResponse struct {
	Conversation models.Conversation `json:"conversation"`
	Messages     []*models.Message   `json:"messages"`
	Streaming    bool                `json:"streaming"`
	Error        string              `json:"error,omitempty"`
	Version      uint64              `json:"version"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req chatSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, actionResponse{Error: "malformed request body"})
		return
	}

	err := s.orch.SendMessage(agent.SendInput{
		Content:       req.Content,
		Mentions:      req.Mentions,
		Attachments:   req.Attachments,
		EditorContext: req.EditorContext,
		Mode:          req.Mode,
	})
	if err != nil {
		writeJSON(w, statusForError(err), actionResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{Success: true})
}

func (s *Server) handleChatStop(w http.ResponseWriter, _ *http.Request) {
	s.orch.StopStreaming()
	writeJSON(w, http.StatusOK, actionResponse{Success: true})
}

func (s *Server) handleChatNew(w http.ResponseWriter, _ *http.Request) {
	conv := s.orch.NewConversation()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversation": conv})
}

func (s *Server) handleChatMessages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleChatContext(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.orch.ContextSnapshot()
	if snapshot == nil {
		snapshot = &models.ContextSnapshot{}
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleToolAction(action func(*agent.Runtime, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toolActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" {
			writeJSON(w, http.StatusBadRequest, actionResponse{Error: "message_id is required"})
			return
		}
		if err := action(s.orch.Runtime(), req.MessageID); err != nil {
			writeJSON(w, statusForError(err), actionResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, actionResponse{Success: true})
	}
}

func (s *Server) state() chatStateResponse {
	messages := s.store.Messages()
	if messages == nil {
		messages = []*models.Message{}
	}
	return chatStateResponse{
		Conversation: s.orch.Conversation(),
		Messages:     messages,
		Streaming:    s.orch.IsStreaming(),
		Error:        s.orch.Err(),
		Version:      s.store.Version(),
	}
}

func statusForError(err error) int {
	var invalid *agent.InvalidStatusError
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrMessageNotFound), errors.Is(err, chat.ErrNoTool):
		return http.StatusNotFound
	case errors.As(err, &invalid), errors.Is(err, agent.ErrAlreadyExecuting):
		return http.StatusConflict
	case errors.Is(err, agent.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
