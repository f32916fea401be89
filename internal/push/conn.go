package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024 // inbound frames are acks and pings, never payloads
	sendBuffer = 256

	ackBatchMax     = 100
	flushPendingMax = 100
)

// serverFrame is every frame the relay sends over a subscription.
type serverFrame struct {
	Type        string `json:"type"` // connected | message | pong | error
	MessageID   string `json:"id,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
	From        string `json:"from,omitempty"`
	Payload     string `json:"payload,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	Error       string `json:"error,omitempty"`
}

// clientFrame is every frame a subscriber may send.
type clientFrame struct {
	Type       string   `json:"type"` // ack | ack_batch | ping
	MessageID  string   `json:"messageId,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

// Conn is one WebSocket subscription. writePump owns all writes and readPump
// owns all reads, so ping, push, and response frames never race on the
// socket.
type Conn struct {
	hub         *Hub
	containerID string
	ws          *websocket.Conn
	send        chan []byte
	done        chan struct{}
	once        sync.Once
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		c.ws.Close()
		slog.Info("WebSocket subscriber disconnected", "container", c.containerID)
	})
}

// enqueueFrame marshals and queues a frame without blocking. A full buffer
// means the client is not draining; the frame is dropped and the pending row
// survives for the next flush.
func (c *Conn) enqueueFrame(f serverFrame) bool {
	raw, err := json.Marshal(f)
	if err != nil {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		slog.Warn("send buffer full, dropping frame", "container", c.containerID, "type", f.Type)
		return false
	}
}

// flushPending replays the queued backlog after connect, oldest first.
func (c *Conn) flushPending() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgs, err := c.hub.pending.ListPending(ctx, c.containerID, flushPendingMax)
	if err != nil {
		slog.Warn("pending flush failed", "container", c.containerID, "error", err)
		return
	}
	for _, m := range msgs {
		c.enqueueFrame(serverFrame{
			Type:      "message",
			MessageID: m.ID,
			From:      m.FromContainer,
			Payload:   m.Payload,
			Timestamp: m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	if len(msgs) > 0 {
		slog.Info("flushed pending queue", "container", c.containerID, "count", len(msgs))
	}
}

// writePump is the only goroutine that writes to the socket.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}

			// Drain whatever queued up behind this frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump is the only goroutine that reads from the socket.
func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket read error", "container", c.containerID, "error", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.enqueueFrame(serverFrame{Type: "error", Error: "malformed frame"})
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Conn) handleFrame(frame clientFrame) {
	switch frame.Type {
	case "ack":
		if frame.MessageID == "" {
			c.enqueueFrame(serverFrame{Type: "error", Error: "ack requires messageId"})
			return
		}
		c.ack([]string{frame.MessageID})

	case "ack_batch":
		if len(frame.MessageIDs) == 0 || len(frame.MessageIDs) > ackBatchMax {
			c.enqueueFrame(serverFrame{Type: "error", Error: "ack_batch takes 1-100 messageIds"})
			return
		}
		c.ack(frame.MessageIDs)

	case "ping":
		// Application-level ping for clients that cannot observe protocol
		// pings (browsers).
		c.enqueueFrame(serverFrame{Type: "pong", Timestamp: time.Now().UTC().Format(time.RFC3339)})

	default:
		c.enqueueFrame(serverFrame{Type: "error", Error: "unknown frame type"})
	}
}

func (c *Conn) ack(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.hub.pending.AckBatch(ctx, c.containerID, ids); err != nil {
		slog.Warn("ack failed", "container", c.containerID, "error", err)
		c.enqueueFrame(serverFrame{Type: "error", Error: "ack failed, retry"})
	}
}
