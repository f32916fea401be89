// Package push delivers messages to live WebSocket subscribers. A container
// may hold several connections (one per tab or process); the hub fans a
// message out to all of them and the row stays pending until one acks.
package push

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocmt/relay/internal/auth"
	"github.com/ocmt/relay/internal/message"
)

// Subprotocol is echoed back during the upgrade handshake.
const Subprotocol = "ocmt-relay"

// PendingSource supplies the queue flushed to a freshly connected container
// and receives its acks.
type PendingSource interface {
	ListPending(ctx context.Context, toContainer string, limit int) ([]*message.Message, error)
	AckBatch(ctx context.Context, toContainer string, messageIDs []string) (int64, error)
}

// Hub tracks live connections per container.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]map[*Conn]struct{}
	pending  PendingSource
	verifier auth.TokenVerifier
	upgrader websocket.Upgrader
	authLog  *log.Logger
}

// NewHub builds the hub. env and allowedOrigins come from the server config
// so the WS handshake enforces the same origin allow-list as the HTTP CORS
// layer.
func NewHub(pending PendingSource, verifier auth.TokenVerifier, env string, allowedOrigins []string) *Hub {
	return &Hub{
		conns:    make(map[string]map[*Conn]struct{}),
		pending:  pending,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin:     buildCheckOrigin(env, allowedOrigins),
		},
		authLog: log.New(log.Writer(), "[WS-AUTH] ", log.LstdFlags),
	}
}

// buildCheckOrigin validates Origin against the configured allow-list in
// production; dev and staging accept everything. Non-browser clients send no
// Origin header and always pass.
func buildCheckOrigin(env string, allowedOrigins []string) func(r *http.Request) bool {
	if env == "production" && len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, origin := range allowedOrigins {
			allowed[origin] = true
		}
		slog.Info("WebSocket origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed[origin] {
				return true
			}
			slog.Warn("Rejected WebSocket origin", "origin", origin)
			return false
		}
	}

	if env == "production" {
		slog.Warn("No allowed origins configured in production, allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// HandleSubscribe authenticates and upgrades GET /relay/subscribe.
// Authentication happens before the upgrade so failures surface as HTTP
// status codes the client can act on.
func (h *Hub) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	containerID, token, ok := auth.WebSocketCredentials(r, h.authLog)
	if !ok {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}

	id, err := h.verifier.Verify(r.Context(), containerID, token)
	if err == auth.ErrSuspended {
		http.Error(w, "container suspended", http.StatusForbidden)
		return
	}
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "container", containerID, "error", err)
		return
	}

	conn := &Conn{
		hub:         h,
		containerID: id.ContainerID,
		ws:          wsConn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
	}
	h.register(conn)
	slog.Info("WebSocket subscriber connected", "container", id.ContainerID)

	go conn.writePump()
	go conn.readPump()

	conn.enqueueFrame(serverFrame{
		Type:        "connected",
		ContainerID: id.ContainerID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
	go conn.flushPending()
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.containerID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[c.containerID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.containerID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.containerID)
	}
}

// Push enqueues a message frame on every live connection of the recipient.
// Returns false when no connection accepted it, in which case the caller
// moves on to the next delivery mode. The message row stays pending either
// way; only a client ack settles it.
func (h *Hub) Push(containerID string, msg *message.Message) bool {
	frame := serverFrame{
		Type:      "message",
		MessageID: msg.ID,
		From:      msg.FromContainer,
		Payload:   msg.Payload,
		Timestamp: msg.CreatedAt.UTC().Format(time.RFC3339),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := false
	for c := range h.conns[containerID] {
		if c.enqueueFrame(frame) {
			delivered = true
		}
	}
	return delivered
}

// HasConnections reports whether the container has at least one live socket.
func (h *Hub) HasConnections(containerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[containerID]) > 0
}

// ConnectionCount totals live sockets across all containers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}
