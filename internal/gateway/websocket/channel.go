package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/agent"
	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/pkg/wsproto"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Channel is a single WebSocket connection belonging to one user. A user
// may hold several channels (browser tabs); execution output fans out to
// all of them.
type Channel struct {
	ID     string
	UserID string

	conn *websocket.Conn
	hub  *Hub
	cfg  config.GatewayConfig

	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu            sync.Mutex
	dropped       int
	pendingStatus []byte

	logger *logger.Logger
}

// NewChannel creates a channel for an upgraded connection.
func NewChannel(id, userID string, conn *websocket.Conn, hub *Hub, cfg config.GatewayConfig, log *logger.Logger) *Channel {
	return &Channel{
		ID:     id,
		UserID: userID,
		conn:   conn,
		hub:    hub,
		cfg:    cfg,
		out:    make(chan []byte, cfg.OutboundQueueSize),
		closed: make(chan struct{}),
		logger: log.WithUserID(userID).WithFields(zap.String("channel_id", id)),
	}
}

// Send enqueues a message that must not be lost. When the queue is full
// it waits up to the drain timeout, then gives up on the channel: a peer
// that cannot drain session_created or terminal messages is broken.
func (c *Channel) Send(msg *wsproto.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return false
	}

	select {
	case c.out <- data:
		return true
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.out <- data:
		return true
	case <-c.closed:
		return false
	case <-time.After(c.cfg.DrainTimeoutDuration()):
		c.logger.Warn("Outbound queue stalled, closing channel",
			zap.String("action", msg.Action))
		c.Close()
		return false
	}
}

// SendStream enqueues one execution message. Status and token_usage
// messages are shed when the queue is full; everything else goes through
// Send's must-deliver path.
func (c *Channel) SendStream(sp wsproto.StreamPayload) {
	msg, err := wsproto.NewNotification(wsproto.ActionMessage, sp)
	if err != nil {
		c.logger.Error("Failed to build stream notification", zap.Error(err))
		return
	}

	c.flushPendingStatus()

	if sp.Kind == agent.KindStatus || sp.Kind == agent.KindTokenUsage {
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		select {
		case c.out <- data:
		case <-c.closed:
		default:
			c.mu.Lock()
			c.dropped++
			n := c.dropped
			if sp.Kind == agent.KindStatus {
				// Status coalesces: only the latest one matters
				c.pendingStatus = data
			}
			c.mu.Unlock()
			c.logger.Debug("Shed stream message",
				zap.String("kind", sp.Kind),
				zap.Int("total_dropped", n))
		}
		return
	}

	c.Send(msg)
}

// flushPendingStatus delivers the latest coalesced status once the
// queue has room again.
func (c *Channel) flushPendingStatus() {
	c.mu.Lock()
	data := c.pendingStatus
	if data == nil {
		c.mu.Unlock()
		return
	}
	select {
	case c.out <- data:
		c.pendingStatus = nil
	default:
	}
	c.mu.Unlock()
}

// Dropped returns how many stream messages were shed on this channel.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close tears the channel down exactly once.
func (c *Channel) Close() {
	c.once.Do(func() {
		close(c.closed)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if c.hub != nil {
			c.hub.Unregister(c)
		}
	})
}

// Closed reports whether the channel has been torn down.
func (c *Channel) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// ReadPump pumps messages from the connection into the hub until the
// peer disconnects or goes silent past the idle timeout.
func (c *Channel) ReadPump(ctx context.Context) {
	defer c.Close()

	idle := c.cfg.IdleTimeoutDuration()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		var msg wsproto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendError("", "", wsproto.ErrorCodeInvalidArgument, "invalid message format")
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage routes one inbound message. Run and abort need the
// channel itself; everything else goes through the dispatcher.
func (c *Channel) handleMessage(ctx context.Context, msg *wsproto.Message) {
	c.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	switch msg.Action {
	case wsproto.ActionRun:
		c.hub.controller.HandleRun(c, msg)
		return
	case wsproto.ActionAbort:
		c.hub.controller.HandleAbort(c, msg)
		return
	}

	response, err := c.hub.dispatcher.Dispatch(withUserID(ctx, c.UserID), msg)
	if err != nil {
		c.logger.Error("Handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, wsproto.ErrorCodeInternal, err.Error())
		return
	}
	if response != nil {
		c.Send(response)
	}
}

func (c *Channel) sendError(id, action, code, message string) {
	msg, err := wsproto.NewError(id, action, code, message, nil)
	if err != nil {
		c.logger.Error("Failed to build error message", zap.Error(err))
		return
	}
	c.Send(msg)
}

// WritePump writes queued messages to the connection and keeps the peer
// alive with periodic pings.
func (c *Channel) WritePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatIntervalDuration())
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(data)

			// Batch additional queued messages
			n := len(c.out)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.out)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-c.closed:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
