// Package websocket is the realtime gateway: it multiplexes agent
// session streams over per-user WebSocket channels.
package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
)

// checkOrigin admits browser origins named in the configuration. An
// empty list admits everything: like HeaderAuthenticator, it assumes a
// fronting ingress that already filters cross-origin traffic.
func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if strings.EqualFold(origin, a) || strings.EqualFold(u.Host, a) {
				return true
			}
		}
		return false
	}
}

// Authenticator resolves the user behind a connection request.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// HeaderAuthenticator trusts the identity headers set by the fronting
// proxy. Suitable when the engine sits behind an authenticating ingress.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id, nil
	}
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id, nil
	}
	return "", apperrors.AuthDenied("missing user identity")
}

// Handler upgrades HTTP requests into gateway channels.
type Handler struct {
	hub      *Hub
	auth     Authenticator
	cfg      config.GatewayConfig
	upgrader gorillaws.Upgrader
	logger   *logger.Logger
}

// NewHandler creates a WebSocket connection handler.
func NewHandler(hub *Hub, auth Authenticator, cfg config.GatewayConfig, log *logger.Logger) *Handler {
	return &Handler{
		hub:  hub,
		auth: auth,
		cfg:  cfg,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection authenticates, upgrades, and runs the channel pumps.
func (h *Handler) HandleConnection(c *gin.Context) {
	userID, err := h.auth.Authenticate(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	channelID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("user_id", userID),
		zap.String("channel_id", channelID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	channel := NewChannel(channelID, userID, conn, h.hub, h.cfg, h.logger)
	h.hub.Register(channel)

	go channel.WritePump()
	channel.ReadPump(c.Request.Context())
}
