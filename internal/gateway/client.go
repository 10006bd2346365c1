package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wecomclaw/pkg/protocol"
)

const (
	maxFrameBytes  = 1 << 20
	wsWriteTimeout = 10 * time.Second
)

// Client is one ops feed connection. Events are pushed from the bus
// subscription; a small request vocabulary answers liveness questions.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
	}
}

// Run reads frames until the connection or ctx ends.
func (c *Client) Run(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(raw)
	}
}

func (c *Client) handleFrame(raw []byte) {
	kind, err := protocol.ParseFrameType(raw)
	if err != nil || kind != protocol.FrameTypeRequest {
		return
	}

	var req protocol.RequestFrame
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	switch req.Method {
	case protocol.MethodHealth, protocol.MethodHeartbeat:
		c.send(protocol.NewResponse(req.ID, map[string]string{"status": "ok"}))
	case protocol.MethodStatus:
		c.send(protocol.NewResponse(req.ID, c.server.status()))
	default:
		c.send(protocol.NewErrorResponse(req.ID, "unknown_method", "method not supported on the ops feed: "+req.Method))
	}
}

// SendEvent pushes an event frame. Send failures only drop this client's
// copy; the read loop notices the dead connection and unregisters it.
func (c *Client) SendEvent(event protocol.EventFrame) {
	if err := c.send(event); err != nil {
		slog.Debug("ops event send failed", "client", c.id, "error", err)
	}
}

func (c *Client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// Close tears the connection down.
func (c *Client) Close() {
	c.conn.Close()
}
