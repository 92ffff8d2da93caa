// Package codex provides types for the Codex CLI JSONL output format.
// Each stdout line is one JSON event; the first line is a session_meta
// header carrying the agent-assigned session id.
package codex

import "encoding/json"

// Event types emitted by the Codex CLI
const (
	// EventSessionMeta is the header line with the session id
	EventSessionMeta = "session_meta"
	// EventItemStarted marks the start of an item (message, command, patch)
	EventItemStarted = "item.started"
	// EventItemCompleted marks the completion of an item
	EventItemCompleted = "item.completed"
	// EventAgentMessageDelta is a partial agent message chunk
	EventAgentMessageDelta = "item.agent_message.delta"
	// EventTokenCount reports cumulative token usage
	EventTokenCount = "token_count"
	// EventTurnCompleted marks the end of the turn
	EventTurnCompleted = "turn.completed"
	// EventTurnFailed marks a failed turn
	EventTurnFailed = "turn.failed"
	// EventError is a fatal error event
	EventError = "error"
)

// Item types carried by item.started / item.completed events
const (
	ItemAgentMessage     = "agent_message"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "command_execution"
	ItemFileChange       = "file_change"
	ItemMCPToolCall      = "mcp_tool_call"
)

// Event represents one line of Codex CLI JSONL output. The Type field
// determines which other fields are populated.
type Event struct {
	Type string `json:"type"`

	// For session_meta events
	SessionMeta *SessionMeta `json:"payload,omitempty"`

	// For item events
	Item *Item `json:"item,omitempty"`

	// For delta events
	Delta string `json:"delta,omitempty"`

	// For token_count events
	Usage *TokenUsageInfo `json:"info,omitempty"`

	// For turn.completed / turn.failed / error events
	Error *TurnError `json:"error,omitempty"`
}

// SessionMeta is the payload of the session_meta header line.
type SessionMeta struct {
	ID           string `json:"id"`
	Model        string `json:"model,omitempty"`
	CWD          string `json:"cwd,omitempty"`
	Provider     string `json:"provider,omitempty"`
	RolloutPath  string `json:"rollout_path,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Item represents a Codex item (message, command, file change, etc.)
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"item_type"`
	Status string `json:"status,omitempty"` // "in_progress", "completed", "failed"

	// For agent_message and reasoning items
	Text string `json:"text,omitempty"`

	// For command_execution items
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`

	// For file_change items
	Changes []FileChange `json:"changes,omitempty"`

	// For mcp_tool_call items
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// FileChange represents one changed path in a file_change item.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // "add", "modify", "delete"
}

// TokenUsageInfo contains cumulative token usage for the session.
type TokenUsageInfo struct {
	TotalTokenUsage    *TokenUsage `json:"total_token_usage,omitempty"`
	LastTokenUsage     *TokenUsage `json:"last_token_usage,omitempty"`
	ModelContextWindow *int64      `json:"model_context_window,omitempty"`
}

// TokenUsage contains token counts for a request/response cycle.
type TokenUsage struct {
	InputTokens           int64 `json:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens"`
	TotalTokens           int64 `json:"total_tokens"`
}

// TurnError describes a failed turn or fatal error event.
type TurnError struct {
	Message string `json:"message"`
}

// ParseEvent parses one stdout line. Non-JSON lines return an error;
// callers pass those through as plain text.
func ParseEvent(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// SessionID returns the agent-assigned session id when this event is the
// session_meta header; empty otherwise.
func (e *Event) SessionID() string {
	if e.Type == EventSessionMeta && e.SessionMeta != nil {
		return e.SessionMeta.ID
	}
	return ""
}

// IsTerminal reports whether this event ends the stream.
func (e *Event) IsTerminal() bool {
	switch e.Type {
	case EventTurnCompleted, EventTurnFailed, EventError:
		return true
	}
	return false
}
