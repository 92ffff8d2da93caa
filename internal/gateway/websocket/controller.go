package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/agent"
	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/container/pool"
	"github.com/agentdock/agentdock/internal/events"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/pkg/wsproto"
)

type ctxKey int

const userIDKey ctxKey = iota

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// ContainerPool is the slice of the pool the controller needs.
type ContainerPool interface {
	GetOrCreate(ctx context.Context, userID string) (*pool.Handle, error)
	MarkActive(ctx context.Context, userID string)
}

// AgentExecutor is the slice of the executor the controller needs.
type AgentExecutor interface {
	Run(runCtx context.Context, sess *session.Session, containerID, command string, opts agent.Options) (<-chan agent.Message, error)
}

// Controller ties the run/abort protocol actions to the pool, the
// session registry, and the executor.
type Controller struct {
	hub      *Hub
	pool     ContainerPool
	executor AgentExecutor
	registry *session.Registry
	cfg      config.ExecutorConfig
	logger   *logger.Logger
}

// NewController creates the session controller and registers its
// stateless handlers on the hub's dispatcher.
func NewController(hub *Hub, p ContainerPool, exec AgentExecutor, registry *session.Registry, cfg config.ExecutorConfig, log *logger.Logger) *Controller {
	c := &Controller{
		hub:      hub,
		pool:     p,
		executor: exec,
		registry: registry,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "ws_controller")),
	}
	c.registerHandlers(hub.dispatcher)
	hub.SetController(c)
	return c
}

func (ctl *Controller) registerHandlers(d *wsproto.Dispatcher) {
	d.RegisterFunc(wsproto.ActionStatus, ctl.handleStatus)
	d.RegisterFunc(wsproto.ActionListSessions, ctl.handleListSessions)
	d.RegisterFunc(wsproto.ActionPing, func(_ context.Context, msg *wsproto.Message) (*wsproto.Message, error) {
		return wsproto.NewResponse(msg.ID, wsproto.ActionPong, map[string]interface{}{"time": time.Now().UTC()})
	})
}

// HandleRun validates a run request, registers the session, acknowledges
// it with the server id, and starts the execution worker.
func (ctl *Controller) HandleRun(c *Channel, msg *wsproto.Message) {
	var req wsproto.RunPayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, wsproto.ErrorCodeInvalidArgument, "invalid payload: "+err.Error())
		return
	}
	if req.Command == "" {
		c.sendError(msg.ID, msg.Action, wsproto.ErrorCodeInvalidArgument, "command is required")
		return
	}
	if _, err := agent.ForAgent(req.Agent); err != nil {
		c.sendError(msg.ID, msg.Action, wsproto.ErrorCodeInvalidArgument, err.Error())
		return
	}

	// The session outlives the request context.
	sess, runCtx := ctl.registry.Register(context.Background(), c.UserID, req.Agent)

	// The browser learns the server id before any execution output so
	// it can rebind its placeholder.
	ack, err := wsproto.NewResponse(msg.ID, wsproto.ActionSessionCreated, wsproto.SessionCreatedPayload{
		TempSessionID: req.TempSessionID,
		ServerID:      sess.ServerID,
	})
	if err != nil {
		c.sendError(msg.ID, msg.Action, wsproto.ErrorCodeInternal, err.Error())
		return
	}
	c.Send(ack)

	// Sibling channels (other tabs) learn the server id too, so every
	// channel sees session_created before any stream frame for it.
	if notif, nerr := wsproto.NewNotification(wsproto.ActionSessionCreated, wsproto.SessionCreatedPayload{
		ServerID: sess.ServerID,
	}); nerr == nil {
		for _, sib := range ctl.hub.userChannels(c.UserID) {
			if sib != c {
				sib.Send(notif)
			}
		}
	}

	go ctl.runSession(c.UserID, sess, runCtx, req)
}

// runSession drives one execution end to end on a dedicated goroutine.
func (ctl *Controller) runSession(userID string, sess *session.Session, runCtx context.Context, req wsproto.RunPayload) {
	log := ctl.logger.WithUserID(userID).WithSessionID(sess.ServerID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	handle, err := ctl.pool.GetOrCreate(ctx, userID)
	if err != nil {
		log.Error("Failed to provision container", zap.Error(err))
		ctl.failSession(userID, sess, err)
		return
	}

	if err := ctl.registry.Activate(sess.ServerID, handle.ContainerID); err != nil {
		log.Error("Failed to activate session", zap.Error(err))
		ctl.failSession(userID, sess, err)
		return
	}
	ctl.pool.MarkActive(ctx, userID)
	ctl.publishSessionEvent(ctx, events.SessionStarted, userID, sess.ServerID)

	opts, err := decodeOptions(req.Options)
	if err != nil {
		ctl.failSession(userID, sess, err)
		return
	}

	msgs, err := ctl.executor.Run(runCtx, sess, handle.ContainerID, req.Command, opts)
	if err != nil {
		log.Error("Failed to start execution", zap.Error(err))
		ctl.failSession(userID, sess, err)
		return
	}

	for m := range msgs {
		switch m.Kind {
		case agent.KindSessionCreated:
			// Rebind announcement: the agent assigned its own id.
			notif, nerr := wsproto.NewNotification(wsproto.ActionSessionCreated, wsproto.SessionCreatedPayload{
				ServerID: sess.ServerID,
				AgentID:  m.AgentSessionID,
			})
			if nerr == nil {
				ctl.hub.SendToUser(userID, notif)
			}
			ctl.publishSessionEvent(context.Background(), events.SessionRebound, userID, sess.ServerID)
		default:
			ctl.hub.StreamToUser(userID, wsproto.StreamPayload{
				ServerID: m.ServerSessionID,
				AgentID:  m.AgentSessionID,
				Kind:     m.Kind,
				Payload:  m.Payload,
			})
		}

		if m.Kind == agent.KindComplete || m.Kind == agent.KindError {
			ctl.notifyStatus(userID, sess.ServerID)
		}
	}

	// The run refreshed the container's idle clock.
	ctl.pool.MarkActive(context.Background(), userID)

	if final, err := ctl.registry.Get(sess.ServerID); err == nil {
		ctl.publishSessionEvent(context.Background(), sessionEventType(final.Snapshot().State), userID, sess.ServerID)
	}
}

// sessionEventType maps a terminal state onto its bus topic.
func sessionEventType(state session.State) string {
	switch state {
	case session.StateAborted:
		return events.SessionAborted
	case session.StateFailed:
		return events.SessionFailed
	default:
		return events.SessionCompleted
	}
}

func (ctl *Controller) publishSessionEvent(ctx context.Context, eventType, userID, serverID string) {
	if ctl.hub.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "gateway", map[string]interface{}{
		"user_id":    userID,
		"session_id": serverID,
	})
	if err := ctl.hub.eventBus.Publish(ctx, eventType, event); err != nil {
		ctl.logger.Debug("Failed to publish session event", zap.Error(err))
	}
}

// failSession marks the session failed and tells the user's channels.
func (ctl *Controller) failSession(userID string, sess *session.Session, cause error) {
	_ = ctl.registry.MarkTerminal(sess.ServerID, session.StateFailed)
	ctl.publishSessionEvent(context.Background(), events.SessionFailed, userID, sess.ServerID)

	ctl.hub.StreamToUser(userID, wsproto.StreamPayload{
		ServerID: sess.ServerID,
		Kind:     agent.KindError,
		Payload:  errorJSON(cause),
	})
	ctl.notifyStatus(userID, sess.ServerID)
}

// notifyStatus pushes the session's current state to the user.
func (ctl *Controller) notifyStatus(userID, serverID string) {
	sess, err := ctl.registry.Get(serverID)
	if err != nil {
		return
	}
	info := sess.Snapshot()

	notif, err := wsproto.NewNotification(wsproto.ActionSessionStatus, wsproto.SessionStatusPayload{
		ServerID: info.ServerID,
		AgentID:  info.AgentID,
		State:    string(info.State),
	})
	if err != nil {
		return
	}
	ctl.hub.SendToUser(userID, notif)
}

// HandleAbort cancels a running session. The acknowledgement is enqueued
// before the executor's terminal message can arrive.
func (ctl *Controller) HandleAbort(c *Channel, msg *wsproto.Message) {
	var req wsproto.AbortPayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, wsproto.ErrorCodeInvalidArgument, "invalid payload: "+err.Error())
		return
	}
	if req.SessionID == "" {
		c.sendError(msg.ID, msg.Action, wsproto.ErrorCodeInvalidArgument, "session_id is required")
		return
	}

	sess, err := ctl.registry.Get(req.SessionID)
	if err != nil {
		c.sendError(msg.ID, msg.Action, wsproto.ErrorCodeNotFound, err.Error())
		return
	}
	if sess.UserID != c.UserID {
		c.sendError(msg.ID, msg.Action, wsproto.ErrorCodeAuthDenied, "session belongs to another user")
		return
	}

	if err := ctl.registry.Abort(req.SessionID); err != nil {
		c.sendError(msg.ID, msg.Action, codeForError(err), err.Error())
		return
	}

	ack, err := wsproto.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"aborted":    true,
		"session_id": sess.ServerID,
	})
	if err == nil {
		c.Send(ack)
	}
}

// handleStatus reports one session's state, or all of the user's
// sessions when no id is given.
func (ctl *Controller) handleStatus(ctx context.Context, msg *wsproto.Message) (*wsproto.Message, error) {
	userID := userIDFrom(ctx)

	var req wsproto.StatusPayload
	if err := msg.ParsePayload(&req); err != nil {
		return wsproto.NewError(msg.ID, msg.Action, wsproto.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}

	if req.SessionID == "" {
		return ctl.handleListSessions(ctx, msg)
	}

	sess, err := ctl.registry.Get(req.SessionID)
	if err != nil {
		return wsproto.NewError(msg.ID, msg.Action, wsproto.ErrorCodeNotFound, err.Error(), nil)
	}
	if sess.UserID != userID {
		return wsproto.NewError(msg.ID, msg.Action, wsproto.ErrorCodeAuthDenied, "session belongs to another user", nil)
	}

	info := sess.Snapshot()
	return wsproto.NewResponse(msg.ID, wsproto.ActionSessionStatus, wsproto.SessionStatusPayload{
		ServerID: info.ServerID,
		AgentID:  info.AgentID,
		State:    string(info.State),
	})
}

// handleListSessions lists every session (live or lingering terminal)
// owned by the user.
func (ctl *Controller) handleListSessions(ctx context.Context, msg *wsproto.Message) (*wsproto.Message, error) {
	userID := userIDFrom(ctx)

	sessions := ctl.registry.ListForUser(userID)
	payload := wsproto.ActiveSessionsPayload{Sessions: make([]wsproto.SessionStatusPayload, 0, len(sessions))}
	for _, sess := range sessions {
		info := sess.Snapshot()
		payload.Sessions = append(payload.Sessions, wsproto.SessionStatusPayload{
			ServerID: info.ServerID,
			AgentID:  info.AgentID,
			State:    string(info.State),
		})
	}
	return wsproto.NewResponse(msg.ID, wsproto.ActionActiveSessions, payload)
}

// decodeOptions translates wire options into executor options.
func decodeOptions(in wsproto.RunOptions) (agent.Options, error) {
	opts := agent.Options{
		Model:           in.Model,
		PermissionMode:  in.PermissionMode,
		AllowedTools:    in.AllowedTools,
		DisallowedTools: in.DisallowedTools,
		Resume:          in.Resume,
	}

	if len(in.MCPServers) > 0 {
		servers := make(map[string]map[string]string, len(in.MCPServers))
		for name, url := range in.MCPServers {
			servers[name] = map[string]string{"url": url}
		}
		data, err := json.Marshal(map[string]interface{}{"mcpServers": servers})
		if err != nil {
			return opts, apperrors.InvalidArgument("invalid mcp servers: " + err.Error())
		}
		opts.MCPConfig = string(data)
	}

	for i, img := range in.Images {
		// Accept both raw base64 and data URIs
		if idx := strings.Index(img, ";base64,"); idx >= 0 {
			img = img[idx+len(";base64,"):]
		}
		data, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			return opts, apperrors.InvalidArgument("image attachment is not valid base64")
		}
		opts.Images = append(opts.Images, agent.ImageAttachment{
			Name: "image-" + strconv.Itoa(i+1) + ".png",
			Data: data,
		})
	}
	return opts, nil
}

func errorJSON(err error) json.RawMessage {
	payload := agent.ErrorPayload{
		Kind:    codeForError(err),
		Message: err.Error(),
	}
	data, merr := json.Marshal(payload)
	if merr != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// codeForError maps engine error kinds onto wire error codes.
func codeForError(err error) string {
	switch apperrors.KindOf(err) {
	case apperrors.KindAuthDenied:
		return wsproto.ErrorCodeAuthDenied
	case apperrors.KindNotFound:
		return wsproto.ErrorCodeNotFound
	case apperrors.KindInvalidArgument:
		return wsproto.ErrorCodeInvalidArgument
	case apperrors.KindQuotaExceeded:
		return wsproto.ErrorCodeQuotaExceeded
	case apperrors.KindContainerUnavailable:
		return wsproto.ErrorCodeContainerUnavailable
	case apperrors.KindExecutionFailed:
		return wsproto.ErrorCodeExecutionFailed
	case apperrors.KindAborted:
		return wsproto.ErrorCodeAborted
	case apperrors.KindTimeout:
		return wsproto.ErrorCodeTimeout
	default:
		return wsproto.ErrorCodeInternal
	}
}
