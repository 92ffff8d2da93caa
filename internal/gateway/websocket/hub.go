package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/pkg/wsproto"
)

// Hub indexes channels by user and fans execution output out to every
// channel a user holds.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Channel]bool // userID -> channels

	dispatcher *wsproto.Dispatcher
	controller *Controller
	registry   *session.Registry
	eventBus   bus.EventBus
	logger     *logger.Logger

	subs []bus.Subscription
}

// NewHub creates a hub. Attach a controller with SetController before
// serving connections.
func NewHub(dispatcher *wsproto.Dispatcher, registry *session.Registry, eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		channels:   make(map[string]map[*Channel]bool),
		dispatcher: dispatcher,
		registry:   registry,
		eventBus:   eventBus,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// SetController installs the session controller handling run and abort.
func (h *Hub) SetController(c *Controller) { h.controller = c }

// Register adds a channel to the user's set.
func (h *Hub) Register(c *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channels[c.UserID] == nil {
		h.channels[c.UserID] = make(map[*Channel]bool)
	}
	h.channels[c.UserID][c] = true

	h.logger.Debug("Channel registered",
		zap.String("user_id", c.UserID),
		zap.String("channel_id", c.ID),
		zap.Int("user_channels", len(h.channels[c.UserID])))
}

// Unregister removes a channel.
func (h *Hub) Unregister(c *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.channels[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.channels, c.UserID)
		}
	}
}

// userChannels snapshots the user's channel set.
func (h *Hub) userChannels(userID string) []*Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.channels[userID]
	out := make([]*Channel, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// SendToUser delivers a message to every channel the user holds.
func (h *Hub) SendToUser(userID string, msg *wsproto.Message) {
	for _, c := range h.userChannels(userID) {
		c.Send(msg)
	}
}

// StreamToUser delivers one execution message to every channel the user
// holds, applying each channel's shedding policy independently.
func (h *Hub) StreamToUser(userID string, sp wsproto.StreamPayload) {
	for _, c := range h.userChannels(userID) {
		c.SendStream(sp)
	}
}

// ConnectedUsers returns the number of users with at least one channel.
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Start subscribes the hub to engine events so browsers see container
// lifecycle changes and refresh signals.
func (h *Hub) Start() error {
	if h.eventBus == nil {
		return nil
	}

	for _, pattern := range []string{"container.*", "engine.*"} {
		sub, err := h.eventBus.Subscribe(pattern, h.handleBusEvent)
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Stop drops the hub's event subscriptions and closes all channels.
func (h *Hub) Stop() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil

	h.mu.Lock()
	var all []*Channel
	for _, set := range h.channels {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}

// handleBusEvent forwards engine events addressed to a connected user.
// Refresh signals are suppressed while the user has live sessions so a
// listing reload never clobbers an in-flight stream.
func (h *Hub) handleBusEvent(_ context.Context, event *bus.Event) error {
	userID, _ := event.Data["user_id"].(string)
	if userID == "" {
		return nil
	}

	if event.Type == events.ProjectsChanged && h.registry.HasLiveSessions(userID) {
		h.logger.Debug("Suppressed refresh for user with live sessions",
			zap.String("user_id", userID))
		return nil
	}

	msg, err := wsproto.NewNotification(wsproto.ActionServerEvent, wsproto.ServerEventPayload{
		Event: event.Type,
		Data:  event.Data,
	})
	if err != nil {
		return err
	}
	h.SendToUser(userID, msg)
	return nil
}
