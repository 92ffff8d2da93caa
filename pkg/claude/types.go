// Package claude provides types for the Claude CLI stream-json output
// format. Each stdout line is one JSON object whose "type" field selects
// which other fields are populated.
package claude

import "encoding/json"

// Line types emitted by the Claude CLI in stream-json mode
const (
	// LineTypeSystem is the initial system line carrying the session id
	LineTypeSystem = "system"
	// LineTypeAssistant contains text, thinking, or tool_use blocks
	LineTypeAssistant = "assistant"
	// LineTypeUser echoes tool results back into the transcript
	LineTypeUser = "user"
	// LineTypeResult is the final line with cost and token usage
	LineTypeResult = "result"
)

// System line subtypes
const (
	SubtypeInit = "init"
)

// StreamLine represents one line of Claude CLI stream-json output.
// The Type field determines which other fields are populated.
type StreamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system lines
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	CWD       string `json:"cwd,omitempty"`

	// For assistant and user lines
	Message *TranscriptMessage `json:"message,omitempty"`

	// For result lines. Result can be either a string or an object.
	Result        json.RawMessage            `json:"result,omitempty"`
	IsError       bool                       `json:"is_error,omitempty"`
	NumTurns      int                        `json:"num_turns,omitempty"`
	DurationMS    int64                      `json:"duration_ms,omitempty"`
	DurationAPIMS int64                      `json:"duration_api_ms,omitempty"`
	TotalCostUSD  float64                    `json:"total_cost_usd,omitempty"`
	Usage         *Usage                     `json:"usage,omitempty"`
	ModelUsage    map[string]ModelUsageStats `json:"model_usage,omitempty"`
}

// TranscriptMessage contains an assistant or user turn.
type TranscriptMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in a transcript message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ModelUsageStats contains per-model usage statistics from result lines.
type ModelUsageStats struct {
	InputTokens   int64  `json:"input_tokens,omitempty"`
	OutputTokens  int64  `json:"output_tokens,omitempty"`
	ContextWindow *int64 `json:"context_window,omitempty"`
}

// ParseLine parses one stdout line. Lines that are not JSON objects
// return an error; callers pass those through as plain text.
func ParseLine(line []byte) (*StreamLine, error) {
	var sl StreamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return nil, err
	}
	return &sl, nil
}

// ResultText returns the Result field as a string when the CLI emitted a
// plain string result; empty otherwise.
func (l *StreamLine) ResultText() string {
	if len(l.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(l.Result, &s); err != nil {
		return ""
	}
	return s
}

// IsInit reports whether this is the initial system line that carries the
// agent-assigned session id.
func (l *StreamLine) IsInit() bool {
	return l.Type == LineTypeSystem && l.SessionID != ""
}
