package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 45 * time.Second
	wsPingInterval = 15 * time.Second

	// wsPollInterval bounds how often the store version is checked for
	// pushes. Deltas arrive far faster than this during streaming; the
	// version check is cheap and pushes coalesce.
	wsPollInterval = 50 * time.Millisecond
)

type wsHandler struct {
	server   *Server
	upgrader websocket.Upgrader
}

func (s *Server) newWSHandler() http.Handler {
	return &wsHandler{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				// Local single-user server; the bearer token is the gate.
				return true
			},
		},
	}
}

// wsStateFrame is pushed whenever the message store version advances.
type wsStateFrame struct {
	Type  string            `json:"type"`
	State chatStateResponse `json:"state"`
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	h.server.metrics.WSClients.Inc()
	defer h.server.metrics.WSClients.Dec()
	h.server.log.Info(r.Context(), "ws client connected", "remote", conn.RemoteAddr().String())

	done := make(chan struct{})
	go h.readLoop(conn, done)
	h.writeLoop(conn, done)
}

// readLoop discards client frames; it exists to service pongs and to
// notice the peer going away.
func (h *wsHandler) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *wsHandler) writeLoop(conn *websocket.Conn, done chan struct{}) {
	poll := time.NewTicker(wsPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	// Push the full state once on connect, then on every version change.
	var lastVersion uint64
	push := func() bool {
		state := h.server.state()
		lastVersion = state.Version
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(wsStateFrame{Type: "state", State: state}) == nil
	}
	if !push() {
		return
	}

	for {
		select {
		case <-done:
			return
		case <-poll.C:
			if h.server.store.Version() == lastVersion {
				continue
			}
			if !push() {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
