package wsproto

import "encoding/json"

// Action constants for messages the browser sends to the engine.
const (
	ActionRun          = "run"
	ActionAbort        = "abort"
	ActionStatus       = "status"
	ActionListSessions = "list_sessions"
	ActionPing         = "ping"
)

// Action constants for messages the engine pushes to the browser.
const (
	ActionSessionCreated = "session_created"
	ActionMessage        = "message"
	ActionSessionStatus  = "session_status"
	ActionActiveSessions = "active_sessions"
	ActionServerEvent    = "server_event"
	ActionPong           = "pong"
)

// Error codes carried in ErrorPayload.Code
const (
	ErrorCodeAuthDenied           = "auth_denied"
	ErrorCodeNotFound             = "not_found"
	ErrorCodeInvalidArgument      = "invalid_argument"
	ErrorCodeQuotaExceeded        = "quota_exceeded"
	ErrorCodeContainerUnavailable = "container_unavailable"
	ErrorCodeExecutionFailed      = "execution_failed"
	ErrorCodeAborted              = "aborted"
	ErrorCodeTimeout              = "timeout"
	ErrorCodeUnknownAction        = "unknown_action"
	ErrorCodeInternal             = "internal"
)

// RunOptions carries per-run agent configuration from the browser.
type RunOptions struct {
	Model           string            `json:"model,omitempty"`
	PermissionMode  string            `json:"permission_mode,omitempty"`
	AllowedTools    []string          `json:"allowed_tools,omitempty"`
	DisallowedTools []string          `json:"disallowed_tools,omitempty"`
	MCPServers      map[string]string `json:"mcp_servers,omitempty"`
	Resume          string            `json:"resume,omitempty"`
	Images          []string          `json:"images,omitempty"`
}

// RunPayload starts an agent session. TempSessionID is the browser's
// placeholder id; the engine answers with SessionCreatedPayload before
// any execution output for the session.
type RunPayload struct {
	Agent         string     `json:"agent"`
	Command       string     `json:"command"`
	Options       RunOptions `json:"options"`
	TempSessionID string     `json:"temp_session_id"`
}

// AbortPayload requests cancellation of a running session.
type AbortPayload struct {
	SessionID string `json:"session_id"`
}

// StatusPayload asks for the state of one session, or of all the user's
// sessions when SessionID is empty.
type StatusPayload struct {
	SessionID string `json:"session_id,omitempty"`
}

// SessionCreatedPayload announces a session id binding. The first one for
// a run carries TempSessionID and ServerID; a second one is sent if the
// agent later assigns its own id.
type SessionCreatedPayload struct {
	TempSessionID string `json:"temp_session_id,omitempty"`
	ServerID      string `json:"server_id"`
	AgentID       string `json:"agent_id,omitempty"`
}

// StreamPayload wraps one execution message for delivery to the browser.
// Kind duplicates the payload's kind field so the gateway can apply its
// shedding policy without re-parsing the payload.
type StreamPayload struct {
	ServerID string          `json:"server_id"`
	AgentID  string          `json:"agent_id,omitempty"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// SessionStatusPayload reports the state of a single session.
type SessionStatusPayload struct {
	ServerID string `json:"server_id"`
	AgentID  string `json:"agent_id,omitempty"`
	State    string `json:"state"`
}

// ActiveSessionsPayload lists the user's sessions.
type ActiveSessionsPayload struct {
	Sessions []SessionStatusPayload `json:"sessions"`
}

// ServerEventPayload carries out-of-band server notifications such as
// projects_changed.
type ServerEventPayload struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data,omitempty"`
}
