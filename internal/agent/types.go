// Package agent runs AI coding agent CLIs inside user containers and
// normalizes their output into an ordered stream of execution messages.
package agent

import (
	"encoding/json"
	"time"
)

// Execution message kinds. Every run produces a finite ordered stream
// terminated by exactly one complete or error message.
const (
	KindSystem         = "system"
	KindAssistant      = "assistant"
	KindToolUse        = "tool_use"
	KindToolResult     = "tool_result"
	KindError          = "error"
	KindStatus         = "status"
	KindTokenUsage     = "token_usage"
	KindSessionCreated = "session_created"
	KindComplete       = "complete"
)

// Message is one normalized execution message.
type Message struct {
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	EmittedAt       time.Time       `json:"emitted_at"`
	ServerSessionID string          `json:"server_session_id"`
	AgentSessionID  string          `json:"agent_session_id,omitempty"`
}

// TokenUsage is the normalized token accounting across agents.
type TokenUsage struct {
	InputTokens   int64 `json:"input_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
	CachedTokens  int64 `json:"cached_tokens,omitempty"`
	TotalTokens   int64 `json:"total_tokens,omitempty"`
	ContextWindow int64 `json:"context_window,omitempty"`
}

// CompletePayload is the payload of a complete message.
type CompletePayload struct {
	ExitCode   int         `json:"exit_code"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
}

// ErrorPayload is the payload of an error message.
type ErrorPayload struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// SessionCreatedPayload is the payload of a session_created message.
type SessionCreatedPayload struct {
	ServerID string `json:"server_id"`
	AgentID  string `json:"agent_id"`
}

// TextPayload wraps plain text content.
type TextPayload struct {
	Text string `json:"text"`
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
